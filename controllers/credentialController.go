package controllers

import (
	"context"
	"strings"

	"credential-broker/database"
	"credential-broker/middlewares"
	"credential-broker/models"
	"credential-broker/utils"

	"github.com/gofiber/fiber/v2"
)

type CredentialCreateDTO struct {
	Key             string `json:"key" form:"key" validate:"required,max=200"`
	Username        string `json:"username" form:"username" validate:"max=100"`
	Password        string `json:"password" form:"password" validate:"max=100"`
	MaxCheckouts    int    `json:"max_checkouts" form:"max_checkouts" validate:"min=0"`
	ThrottleSeconds int    `json:"throttle_seconds" form:"throttle_seconds" validate:"min=0"`
}

type CredentialUpdateDTO struct {
	Key             *string `json:"key" form:"key" validate:"omitempty,max=200"`
	Username        *string `json:"username" form:"username" validate:"omitempty,max=100"`
	Password        *string `json:"password" form:"password" validate:"omitempty,max=100"`
	MaxCheckouts    *int    `json:"max_checkouts" form:"max_checkouts" validate:"omitempty,min=0"`
	ThrottleSeconds *int    `json:"throttle_seconds" form:"throttle_seconds" validate:"omitempty,min=0"`
}

// POST /credential/add
func (h *Handlers) CreateCredential(c *fiber.Ctx) error {
	var in CredentialCreateDTO
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}
	utils.NormalizeDTO(&in)
	if in.Key == "" {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "key must not be blank")
	}

	credential := models.Credential{
		Key:             in.Key,
		Username:        in.Username,
		Password:        in.Password,
		MaxCheckouts:    in.MaxCheckouts,
		ThrottleSeconds: in.ThrottleSeconds,
	}
	if err := h.repo.InsertCredential(c.UserContext(), &credential); err != nil {
		return err
	}

	view, err := h.credentialView(c.UserContext(), credential, false)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(view)
}

// GET /credential/:id
func (h *Handlers) GetCredential(c *fiber.Ctx) error {
	credential, err := h.repo.FindCredential(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}
	view, err := h.credentialView(c.UserContext(), *credential, true)
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// PUT /credential/:id updates only the supplied fields.
func (h *Handlers) UpdateCredential(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing credential id in path")
	}

	var in CredentialUpdateDTO
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}
	utils.NormalizePtrDTO(&in)
	if in.Key != nil && *in.Key == "" {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "key must not be blank")
	}

	updates := utils.UpdatesFromPtrDTO(&in)
	if len(updates) > 0 {
		if err := h.repo.UpdateCredential(c.UserContext(), id, database.Fields(updates)); err != nil {
			return err
		}
	}

	credential, err := h.repo.FindCredential(c.UserContext(), id)
	if err != nil {
		return err
	}
	view, err := h.credentialView(c.UserContext(), *credential, false)
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// DELETE /credential/:id
func (h *Handlers) DeleteCredential(c *fiber.Ctx) error {
	if err := h.repo.DeleteCredential(c.UserContext(), strings.TrimSpace(c.Params("id"))); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GET /credential/list?key=&sort_by=[-]field
func (h *Handlers) ListCredentials(c *fiber.Ctx) error {
	q := database.CredentialQuery{
		Key:  strings.TrimSpace(c.Query("key")),
		Sort: database.DefaultCredentialSort,
	}
	if sortBy := strings.TrimSpace(c.Query("sort_by")); sortBy != "" {
		s := database.ParseSort(sortBy)
		if !database.CredentialSortable(s.Field) {
			return fiber.NewError(fiber.StatusBadRequest, "unsupported sort_by field")
		}
		q.Sort = append([]database.SortField{s}, database.DefaultCredentialSort...)
	}

	credentials, err := h.repo.FindCredentials(c.UserContext(), q)
	if err != nil {
		return err
	}
	out := make([]models.CredentialView, 0, len(credentials))
	for _, cred := range credentials {
		view, err := h.credentialView(c.UserContext(), cred, false)
		if err != nil {
			return err
		}
		out = append(out, view)
	}
	return c.JSON(out)
}

// GET /credential/:id/statistics
func (h *Handlers) CredentialStatistics(c *fiber.Ctx) error {
	credential, err := h.repo.FindCredential(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return err
	}
	st, err := h.repo.CredentialStatistics(c.UserContext(), credential.Id)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (h *Handlers) credentialView(ctx context.Context, credential models.Credential, withStatistics bool) (models.CredentialView, error) {
	view := models.CredentialView{Credential: credential}

	pending, err := h.repo.CountRequests(ctx, database.RequestQuery{
		Key:      credential.Key,
		Statuses: models.PendingStatuses,
	})
	if err != nil {
		return view, err
	}
	inUse, err := h.repo.CountRequests(ctx, database.RequestQuery{
		CredentialId: credential.Id,
		Statuses:     models.HoldingStatuses,
	})
	if err != nil {
		return view, err
	}
	last, err := h.repo.FindRequests(ctx, database.RequestQuery{
		CredentialId: credential.Id,
		HasCheckout:  true,
		Sort:         []database.SortField{{Field: database.ColCheckoutTimestamp, Desc: true}},
		Limit:        1,
	})
	if err != nil {
		return view, err
	}

	view.Pending = pending
	view.InUse = inUse
	if len(last) > 0 {
		view.LastCheckout = last[0].CheckoutTimestamp
	}
	if withStatistics {
		st, err := h.repo.CredentialStatistics(ctx, credential.Id)
		if err != nil {
			return view, err
		}
		view.Statistics = &st
	}
	return view, nil
}
