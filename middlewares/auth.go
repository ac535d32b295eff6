package middlewares

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"credential-broker/config"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
	basicPrefix  = "Basic "

	// PrincipalLocal is the c.Locals key holding the authenticated user.
	PrincipalLocal = "principal"

	tokenTTL = 24 * time.Hour
)

var ErrAuthNotConfigured = errors.New("JWT secret not configured (set JWT_SECRET_KEY or JWT_SECRET)")

// Claims is our JWT payload (subject = admin user name).
type Claims struct {
	jwt.RegisteredClaims
}

// Auth guards the admin and lease routes with HTTP basic credentials or a
// bearer token issued by POST /auth/token. It is a pass-through when no
// user is configured.
type Auth struct {
	username     string
	passwordHash []byte
	secret       []byte
	now          func() time.Time
}

func NewAuth(cfg config.Auth) *Auth {
	return &Auth{
		username:     strings.TrimSpace(cfg.Username),
		passwordHash: []byte(cfg.PasswordHash),
		secret:       []byte(strings.TrimSpace(cfg.JWTSecret)),
		now:          time.Now,
	}
}

func (a *Auth) Enabled() bool { return a != nil && a.username != "" }

// CheckPassword compares user and password against the configured bcrypt hash.
func (a *Auth) CheckPassword(user, password string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil
}

// Required validates Basic or Bearer credentials and populates
// c.Locals(PrincipalLocal).
func (a *Auth) Required() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !a.Enabled() {
			c.Locals(PrincipalLocal, "anonymous")
			return c.Next()
		}

		h := c.Get(authHeader)
		switch {
		case hasPrefixFold(h, basicPrefix):
			user, pass, ok := parseBasic(strings.TrimSpace(h[len(basicPrefix):]))
			if !ok || !a.CheckPassword(user, pass) {
				return a.unauthorized(c, "invalid credentials")
			}
			c.Locals(PrincipalLocal, user)
			return c.Next()

		case hasPrefixFold(h, bearerPrefix):
			subject, err := a.ParseJWT(strings.TrimSpace(h[len(bearerPrefix):]))
			if errors.Is(err, ErrAuthNotConfigured) {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "server auth not configured"})
			}
			if err != nil {
				return a.unauthorized(c, "invalid or expired token")
			}
			c.Locals(PrincipalLocal, subject)
			return c.Next()
		}
		return a.unauthorized(c, "missing/invalid Authorization header")
	}
}

func (a *Auth) unauthorized(c *fiber.Ctx, msg string) error {
	c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="credential-broker"`)
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": msg})
}

// GenerateJWT signs a new HS256 token for subject, expiring in 24h.
func (a *Auth) GenerateJWT(subject string) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, ErrAuthNotConfigured
	}
	now := a.now()
	expires := now.Add(tokenTTL)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	return signed, expires, err
}

// ParseJWT validates raw (HS256 only) and returns its subject.
func (a *Auth) ParseJWT(raw string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrAuthNotConfigured
	}
	if raw == "" {
		return "", errors.New("empty token")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var claims Claims
	token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token missing subject")
	}
	return claims.Subject, nil
}

// BasicCredentials extracts the user and password of an HTTP basic
// Authorization header.
func BasicCredentials(c *fiber.Ctx) (user, pass string, ok bool) {
	h := c.Get(authHeader)
	if !hasPrefixFold(h, basicPrefix) {
		return "", "", false
	}
	return parseBasic(strings.TrimSpace(h[len(basicPrefix):]))
}

func parseBasic(encoded string) (user, pass string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	return user, pass, ok
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
