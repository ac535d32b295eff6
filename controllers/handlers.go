package controllers

import (
	"credential-broker/admission"
	"credential-broker/database"
	"credential-broker/lease"
	"credential-broker/middlewares"
	"credential-broker/stats"
)

// Handlers holds the collaborators of the HTTP handlers.
type Handlers struct {
	repo     database.Repository
	gateway  *lease.Gateway
	stats    stats.Store
	auth     *middlewares.Auth
	progress *admission.Progress
}

func New(repo database.Repository, gateway *lease.Gateway, st stats.Store, auth *middlewares.Auth, progress *admission.Progress) *Handlers {
	if st == nil {
		st = stats.Nop{}
	}
	return &Handlers{
		repo:     repo,
		gateway:  gateway,
		stats:    st,
		auth:     auth,
		progress: progress,
	}
}
