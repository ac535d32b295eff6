package controllers

import (
	"strings"

	"credential-broker/middlewares"

	"github.com/gofiber/fiber/v2"
)

type tokenRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// Token exchanges the admin credentials for a bearer token. Credentials are
// read from an HTTP basic header or from the body.
func (h *Handlers) Token(c *fiber.Ctx) error {
	if !h.auth.Enabled() {
		return fiber.NewError(fiber.StatusNotFound, "authentication is disabled")
	}

	user, pass, ok := middlewares.BasicCredentials(c)
	if !ok {
		var data tokenRequest
		if err := c.BodyParser(&data); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		user, pass = strings.TrimSpace(data.Username), data.Password
	}

	if user == "" || !h.auth.CheckPassword(user, pass) {
		c.Status(fiber.StatusUnauthorized)
		return c.JSON(fiber.Map{
			"message": "Invalid credentials",
		})
	}

	token, expires, err := h.auth.GenerateJWT(user)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"token":      token,
		"expires_at": expires,
	})
}
