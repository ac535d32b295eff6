package middlewares

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"credential-broker/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Idempotency processes Idempotency-Key for mutating HTTP methods. The
// first completed response for a key is stored and replayed for retries of
// the same request. With a nil db (non-SQL backends) it is a pass-through.
func Idempotency(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if db == nil {
			return c.Next()
		}
		method := strings.ToUpper(c.Method())
		if method != fiber.MethodPost && method != fiber.MethodPut && method != fiber.MethodPatch && method != fiber.MethodDelete {
			return c.Next()
		}

		key := strings.TrimSpace(c.Get("Idempotency-Key"))
		if key == "" {
			return c.Next()
		}
		if len(key) > 128 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "Idempotency-Key too long"})
		}

		principal, _ := c.Locals(PrincipalLocal).(string)
		path := c.OriginalURL() // includes query string
		body := c.Body()

		// method|path|body|principal
		h := sha256.New()
		h.Write([]byte(method))
		h.Write([]byte{'\n'})
		h.Write([]byte(path))
		h.Write([]byte{'\n'})
		h.Write(body)
		h.Write([]byte{'\n'})
		h.Write([]byte(principal))
		reqHash := hex.EncodeToString(h.Sum(nil))

		// ---- Phase 1: read/create "pending"
		var existing models.IdempotencyKey
		replayed := false
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where(map[string]any{"key": key}).First(&existing).Error; err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return fiber.NewError(fiber.StatusInternalServerError, "idempotency lookup failed")
				}
				rec := models.IdempotencyKey{
					Key:         key,
					RequestHash: reqHash,
					Method:      method,
					Path:        path,
					Principal:   principal,
				}
				if e2 := tx.Create(&rec).Error; e2 != nil {
					// unique race: read again
					if e3 := tx.Where(map[string]any{"key": key}).First(&existing).Error; e3 != nil {
						return fiber.NewError(fiber.StatusInternalServerError, "idempotency create failed")
					}
				} else {
					existing = rec
				}
			}

			if existing.RequestHash != reqHash {
				return fiber.NewError(fiber.StatusConflict, "Idempotency-Key reuse with different request")
			}
			if existing.ResponseStatus != 0 {
				replayed = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if replayed {
			c.Set("Idempotent-Replay", "true")
			if existing.ResponseStatus == fiber.StatusNoContent {
				return c.SendStatus(fiber.StatusNoContent)
			}
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(existing.ResponseStatus).Send(existing.ResponseBody)
		}

		forget := func() {
			_ = db.Where(map[string]any{"key": key}).Delete(&models.IdempotencyKey{}).Error
		}
		if err := c.Next(); err != nil {
			forget()
			return err
		}

		// ---- Phase 2: store successful responses only
		status := c.Response().StatusCode()
		if status >= fiber.StatusBadRequest {
			forget()
			return nil
		}
		resp := c.Response().Body()
		blob := make([]byte, len(resp))
		copy(blob, resp)
		if len(blob) == 0 {
			blob = []byte("null")
		}
		now := time.Now().UTC()
		_ = db.Model(&models.IdempotencyKey{}).
			Where(map[string]any{"key": key}).
			Updates(map[string]any{
				"response_status": status,
				"response_body":   datatypes.JSON(blob),
				"completed_at":    &now,
			}).Error
		return nil
	}
}
