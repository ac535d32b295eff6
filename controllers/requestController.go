package controllers

import (
	"strconv"
	"strings"
	"time"

	"credential-broker/database"
	"credential-broker/lease"
	"credential-broker/models"
	"credential-broker/utils"

	"github.com/gofiber/fiber/v2"
)

// GET /credential/request/list?pending&key=&limit=
func (h *Handlers) ListRequests(c *fiber.Ctx) error {
	q := database.RequestQuery{
		Key:   strings.TrimSpace(c.Query("key")),
		Sort:  database.QueueSort,
		Limit: utils.ParseIntDefault(c.Query("limit"), 0),
	}
	if c.Context().QueryArgs().Has("pending") {
		q.Statuses = models.PendingStatuses
	}

	requests, err := h.repo.FindRequests(c.UserContext(), q)
	if err != nil {
		return err
	}
	if requests == nil {
		requests = []models.Request{}
	}
	return c.JSON(requests)
}

// GET /credential/request/:key?priority= submits a request and answers
// with its status, long-polling when asked to.
func (h *Handlers) SubmitRequest(c *fiber.Ctx) error {
	priority := lease.DefaultPriority
	if raw := strings.TrimSpace(c.Query("priority")); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "priority must be an integer")
		}
		priority = p
	}

	ticket, err := h.gateway.Submit(c.UserContext(), lease.SubmitRequest{
		Key:      c.Params("key"),
		Priority: priority,
		Client:   c.IP() + " :: " + c.BaseURL() + c.OriginalURL(),
	})
	if err != nil {
		return err
	}

	snap, err := h.gateway.Status(c.UserContext(), ticket, statusOptions(c))
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

// GET /credential/status/:ticket?poll=&poll_interval=&poll_timeout=
func (h *Handlers) RequestStatus(c *fiber.Ctx) error {
	snap, err := h.gateway.Status(c.UserContext(), c.Params("ticket"), statusOptions(c))
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

// GET /credential/release/:ticket
func (h *Handlers) ReleaseRequest(c *fiber.Ctx) error {
	snap, err := h.gateway.Release(c.UserContext(), c.Params("ticket"))
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

func statusOptions(c *fiber.Ctx) lease.StatusOptions {
	opts := lease.StatusOptions{Poll: truthy(c.Query("poll"))}
	if !opts.Poll {
		return opts
	}
	opts.Interval = time.Duration(utils.ParseIntDefault(c.Query("poll_interval"), 0)) * time.Second
	opts.Timeout = time.Duration(utils.ParseIntDefault(c.Query("poll_timeout"), 0)) * time.Second
	return opts
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "y", "yes", "true":
		return true
	}
	return false
}
