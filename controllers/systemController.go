package controllers

import (
	"github.com/gofiber/fiber/v2"
)

// GET /healthz
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"admission": h.progress.Snapshot(),
	})
}

// GET /credential/events
func (h *Handlers) Events(c *fiber.Ctx) error {
	totals, err := h.stats.Totals(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(totals)
}
