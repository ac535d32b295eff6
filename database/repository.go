package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"credential-broker/models"
)

// ErrNotFound is returned when a record with the given id does not exist.
var ErrNotFound = errors.New("record not found")

// Column names shared by every backend (SQL columns and BSON fields).
const (
	ColId                  = "id"
	ColKey                 = "key"
	ColUsername            = "username"
	ColPassword            = "password"
	ColMaxCheckouts        = "max_checkouts"
	ColThrottleSeconds     = "throttle_seconds"
	ColCredentialId        = "credential_id"
	ColClient              = "client"
	ColPriority            = "priority"
	ColStatus              = "status"
	ColSubmissionTimestamp = "submission_timestamp"
	ColCheckoutTimestamp   = "checkout_timestamp"
	ColCheckinTimestamp    = "checkin_timestamp"
)

// Fields is a column -> value set used by updates.
type Fields map[string]any

// SortField orders a query by one column.
type SortField struct {
	Field string
	Desc  bool
}

// ParseSort turns "field" or "-field" into a SortField.
func ParseSort(s string) SortField {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return SortField{Field: s[1:], Desc: true}
	}
	return SortField{Field: s}
}

var (
	// DefaultCredentialSort is the listing order for credentials.
	DefaultCredentialSort = []SortField{{Field: ColKey}, {Field: ColId}}

	// QueueSort is the admission order for requests.
	QueueSort = []SortField{
		{Field: ColPriority, Desc: true},
		{Field: ColSubmissionTimestamp},
		{Field: ColId},
	}
)

var credentialSortable = map[string]bool{
	ColId: true, ColKey: true, ColUsername: true, ColMaxCheckouts: true, ColThrottleSeconds: true,
}

var requestSortable = map[string]bool{
	ColId: true, ColKey: true, ColPriority: true, ColStatus: true, ColClient: true,
	ColSubmissionTimestamp: true, ColCheckoutTimestamp: true, ColCheckinTimestamp: true,
}

// CredentialSortable reports whether credentials may be ordered by field.
func CredentialSortable(field string) bool { return credentialSortable[field] }

// CredentialQuery filters credentials. Zero values match everything; store
// order is used when Sort is empty.
type CredentialQuery struct {
	Key  string
	Sort []SortField
}

// RequestQuery filters requests. Zero values match everything.
type RequestQuery struct {
	Statuses     []models.Status
	Key          string
	CredentialId string
	// CheckedOutSince keeps requests with checkout_timestamp >= the given time.
	CheckedOutSince *time.Time
	// HasCheckout keeps requests with a non-null checkout_timestamp.
	HasCheckout bool
	Sort        []SortField
	Limit       int
}

// Repository is the persistent store of credentials and requests. All
// implementations must make UpdateRequestIf atomic with respect to other
// updates of the same request.
type Repository interface {
	FindCredentials(ctx context.Context, q CredentialQuery) ([]models.Credential, error)
	FindCredential(ctx context.Context, id string) (*models.Credential, error)
	InsertCredential(ctx context.Context, c *models.Credential) error
	UpdateCredential(ctx context.Context, id string, fields Fields) error
	DeleteCredential(ctx context.Context, id string) error

	FindRequests(ctx context.Context, q RequestQuery) ([]models.Request, error)
	CountRequests(ctx context.Context, q RequestQuery) (int64, error)
	FindRequest(ctx context.Context, id string) (*models.Request, error)
	InsertRequest(ctx context.Context, r *models.Request) error
	UpdateRequest(ctx context.Context, id string, fields Fields) error
	// UpdateRequestIf applies fields only if the stored status still equals
	// expected. It reports whether the update was applied.
	UpdateRequestIf(ctx context.Context, id string, expected models.Status, fields Fields) (bool, error)

	// CredentialStatistics aggregates wait and usage times over the
	// credential's completed requests.
	CredentialStatistics(ctx context.Context, credentialId string) (models.Statistics, error)

	Close(ctx context.Context) error
}

func sanitizeSort(sort []SortField, allowed map[string]bool) []SortField {
	out := make([]SortField, 0, len(sort))
	for _, s := range sort {
		if allowed[s.Field] {
			out = append(out, s)
		}
	}
	return out
}
