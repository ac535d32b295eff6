// Package stats counts request lifecycle events (submissions, releases and
// engine transitions) per status and per key.
//
// Recording is best-effort: callers log a failed Record and carry on.
package stats

import (
	"context"
	"strings"
	"time"

	"credential-broker/models"
)

// Event is one status transition of one request.
type Event struct {
	Key    string
	Status models.Status
	At     time.Time
}

// Store persists event counters.
type Store interface {
	Record(ctx context.Context, ev Event) error
	// Totals returns the cumulative count per status name.
	Totals(ctx context.Context) (map[string]int64, error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

func (Nop) Totals(context.Context) (map[string]int64, error) { return map[string]int64{}, nil }

func field(s models.Status) string {
	return strings.ToLower(s.String())
}
