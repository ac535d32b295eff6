package routes

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"credential-broker/controllers"
	"credential-broker/middlewares"
)

// Register wires all HTTP routes. db enables the idempotency guard and may
// be nil for non-SQL backends.
func Register(app *fiber.App, h *controllers.Handlers, auth *middlewares.Auth, db *gorm.DB) {
	app.Get("/healthz", h.Health)

	// Public auth endpoint
	app.Post("/auth/token", h.Token)

	// Protected endpoints (basic or bearer)
	protected := app.Group("/credential")
	protected.Use(auth.Required())
	protected.Use(middlewares.Idempotency(db))

	// Static paths before the :id routes
	protected.Get("/list", h.ListCredentials)
	protected.Get("/events", h.Events)
	protected.Post("/add", h.CreateCredential)

	// Lease requests
	protected.Get("/request/list", h.ListRequests)
	protected.Get("/request/:key", h.SubmitRequest)
	protected.Get("/status/:ticket", h.RequestStatus)
	protected.Get("/release/:ticket", h.ReleaseRequest)

	// Credentials
	protected.Get("/:id/statistics", h.CredentialStatistics)
	protected.Get("/:id", h.GetCredential)
	protected.Put("/:id", h.UpdateCredential)
	protected.Delete("/:id", h.DeleteCredential)
}
