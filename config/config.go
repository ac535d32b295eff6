package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

type Database struct {
	Backend    string
	Host       string
	Port       int
	User       string
	Password   string
	Name       string
	SSLMode    string
	SQLitePath string
	MongoURI   string
	MongoName  string
}

type Admission struct {
	PollInterval   time.Duration
	WaitingTimeout time.Duration
	UsingTimeout   time.Duration
}

type Log struct {
	Level string
	File  string
}

type Stats struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
	TTL           time.Duration
}

type HTTP struct {
	Port            int
	RateLimitMax    int
	RateLimitWindow time.Duration
	BodyLimitMB     int
	AllowedOrigins  string
}

type Auth struct {
	Username     string
	PasswordHash string
	JWTSecret    string
}

// Enabled reports whether the admin routes require credentials.
func (a Auth) Enabled() bool { return strings.TrimSpace(a.Username) != "" }

type Config struct {
	Database  Database
	Admission Admission
	Log       Log
	Stats     Stats
	HTTP      HTTP
	Auth      Auth
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{}

	cfg.Database.Backend = strings.ToLower(getenvDefault("STORE_BACKEND", BackendPostgres))
	cfg.Database.Host = getenvDefault("DB_HOST", "db")
	cfg.Database.Port = getenvIntDefault("DB_PORT", 5432)
	cfg.Database.User = os.Getenv("DB_USER")
	cfg.Database.Password = os.Getenv("DB_PASSWORD")
	cfg.Database.Name = os.Getenv("DB_NAME")
	cfg.Database.SSLMode = getenvDefault("DB_SSLMODE", "disable")
	cfg.Database.SQLitePath = getenvDefault("SQLITE_PATH", "broker.db")
	cfg.Database.MongoURI = getenvDefault("MONGO_URI", "mongodb://127.0.0.1:27017")
	cfg.Database.MongoName = getenvDefault("MONGO_DATABASE", "vinz_clortho")

	cfg.Admission.PollInterval = getenvSecondsDefault("POLL_INTERVAL", 2*time.Second)
	cfg.Admission.WaitingTimeout = getenvSecondsDefault("WAITING_TIMEOUT", 90*time.Second)
	cfg.Admission.UsingTimeout = getenvSecondsDefault("USING_TIMEOUT", 600*time.Second)

	cfg.Log.Level = strings.ToLower(getenvDefault("LOG_LEVEL", "warn"))
	cfg.Log.File = os.Getenv("LOG_FILE")

	cfg.Stats.RedisAddr = os.Getenv("STATS_REDIS_ADDR")
	cfg.Stats.RedisPassword = os.Getenv("STATS_REDIS_PASSWORD")
	cfg.Stats.RedisDB = getenvIntDefault("STATS_REDIS_DB", 0)
	cfg.Stats.Prefix = getenvDefault("STATS_PREFIX", "broker:stats")
	cfg.Stats.TTL = getenvSecondsDefault("STATS_TTL", 24*time.Hour)

	cfg.HTTP.Port = getenvIntDefault("PORT", 8080)
	cfg.HTTP.RateLimitMax = getenvIntDefault("RATE_LIMIT_MAX", 120)
	cfg.HTTP.RateLimitWindow = time.Duration(getenvIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
	cfg.HTTP.BodyLimitMB = getenvIntDefault("BODY_LIMIT_MB", 4)
	cfg.HTTP.AllowedOrigins = getenvDefault("ALLOWED_ORIGINS", "*")

	cfg.Auth.Username = os.Getenv("AUTH_USERNAME")
	cfg.Auth.PasswordHash = os.Getenv("AUTH_PASSWORD_HASH")
	cfg.Auth.JWTSecret = getenvDefault("JWT_SECRET_KEY", os.Getenv("JWT_SECRET"))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.Database.Backend {
	case BackendPostgres, BackendSQLite, BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, sqlite, mongo, memory (got %q)", cfg.Database.Backend)
	}
	if cfg.Admission.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be > 0")
	}
	if cfg.Admission.WaitingTimeout <= 0 {
		return errors.New("WAITING_TIMEOUT must be > 0")
	}
	if cfg.Admission.UsingTimeout <= 0 {
		return errors.New("USING_TIMEOUT must be > 0")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	if cfg.HTTP.RateLimitMax < 0 {
		return errors.New("RATE_LIMIT_MAX must be >= 0")
	}
	if cfg.Auth.Enabled() && strings.TrimSpace(cfg.Auth.PasswordHash) == "" {
		return errors.New("AUTH_PASSWORD_HASH is required when AUTH_USERNAME is set")
	}
	return nil
}

func getenvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getenvSecondsDefault accepts Go durations ("2s", "1m30s") as well as a
// bare number of seconds ("90", "0.5").
func getenvSecondsDefault(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}
