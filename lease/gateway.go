// Package lease is the client-facing side of the broker: it creates lease
// requests, reports their status (optionally long-polling until the engine
// moves them on) and applies client releases.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"credential-broker/database"
	"credential-broker/models"
	"credential-broker/stats"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidTicket  = errors.New("invalid ticket")
	ErrTicketNotFound = errors.New("ticket not found")
	ErrKeyRequired    = errors.New("key is required")
)

const (
	DefaultPriority     = 10
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 60 * time.Second

	releaseAttempts = 5
	statsTimeout    = 50 * time.Millisecond
)

type SubmitRequest struct {
	Key      string
	Priority int
	Client   string
}

type StatusOptions struct {
	Poll     bool
	Interval time.Duration
	Timeout  time.Duration
}

// Snapshot is the client view of a request. Username and Password are only
// set while the request is Given-Out or In-Use.
type Snapshot struct {
	Ticket     string        `json:"ticket"`
	Key        string        `json:"key"`
	Status     models.Status `json:"status"`
	StatusText string        `json:"status_text"`
	Submitted  time.Time     `json:"submitted"`
	Checkout   *time.Time    `json:"checkout,omitempty"`
	Checkin    *time.Time    `json:"checkin,omitempty"`
	Username   string        `json:"username,omitempty"`
	Password   string        `json:"password,omitempty"`
}

type Option func(*Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithStats(s stats.Store) Option {
	return func(g *Gateway) {
		if s != nil {
			g.stats = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

type Gateway struct {
	repo   database.Repository
	logger *zap.Logger
	stats  stats.Store
	now    func() time.Time
}

func NewGateway(repo database.Repository, opts ...Option) *Gateway {
	g := &Gateway{
		repo:   repo,
		logger: zap.NewNop(),
		stats:  stats.Nop{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit creates a request in status Submitted and returns its ticket.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return "", ErrKeyRequired
	}
	r := models.Request{
		Key:                 key,
		Priority:            req.Priority,
		Client:              req.Client,
		Status:              models.StatusSubmitted,
		SubmissionTimestamp: g.now().UTC(),
	}
	if err := g.repo.InsertRequest(ctx, &r); err != nil {
		return "", fmt.Errorf("insert request: %w", err)
	}
	g.record(ctx, r.Key, models.StatusSubmitted)
	g.logger.Info("request submitted",
		zap.String("request_id", r.Id),
		zap.String("key", r.Key),
		zap.Int("priority", r.Priority),
		zap.String("client", r.Client))
	return r.Id, nil
}

// Status reports the request behind ticket. With Poll set it re-reads the
// request every Interval while it is Submitted or Queuing, for at most
// Timeout. Reading a Given-Out request counts as pickup and moves it to
// In-Use.
func (g *Gateway) Status(ctx context.Context, ticket string, opts StatusOptions) (Snapshot, error) {
	r, err := g.find(ctx, ticket)
	if err != nil {
		return Snapshot{}, err
	}

	if opts.Poll && r.Status.In(models.WaitingStatuses) {
		if r, err = g.poll(ctx, r, opts); err != nil {
			return Snapshot{}, err
		}
	}

	if r.Status == models.StatusGivenOut {
		ok, err := g.repo.UpdateRequestIf(ctx, r.Id, models.StatusGivenOut, database.Fields{
			database.ColStatus: models.StatusInUse,
		})
		if err != nil {
			return Snapshot{}, fmt.Errorf("pick up request: %w", err)
		}
		if ok {
			r.Status = models.StatusInUse
			g.record(ctx, r.Key, models.StatusInUse)
			g.logger.Info("credential picked up", zap.String("request_id", r.Id), zap.String("key", r.Key))
		} else if r, err = g.find(ctx, ticket); err != nil {
			return Snapshot{}, err
		}
	}
	return g.snapshot(ctx, r)
}

// poll re-reads r every interval until it leaves Submitted/Queuing, it is
// deleted or the timeout expires. The last wait is cut short at the deadline
// and always followed by a final read.
func (g *Gateway) poll(ctx context.Context, r *models.Request, opts StatusOptions) (*models.Request, error) {
	interval, timeout := opts.Interval, opts.Timeout
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	deadline := time.Now().Add(timeout)

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	limiter.Allow() // the first read already happened

	for r.Status.In(models.WaitingStatuses) {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		delay := limiter.Reserve().Delay()
		last := delay >= left
		if last {
			delay = left
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}

		next, err := g.find(ctx, r.Id)
		if errors.Is(err, ErrTicketNotFound) {
			g.logger.Info("request disappeared while polling", zap.String("request_id", r.Id))
			return r, nil
		}
		if err != nil {
			return nil, err
		}
		r = next
		if last {
			break
		}
	}
	return r, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Release returns a held credential (Given-Out or In-Use become Returned)
// or cancels a request still waiting (Submitted or Queuing become Cancel).
// Other statuses are left unchanged.
func (g *Gateway) Release(ctx context.Context, ticket string) (Snapshot, error) {
	for attempt := 0; attempt < releaseAttempts; attempt++ {
		r, err := g.find(ctx, ticket)
		if err != nil {
			return Snapshot{}, err
		}

		var to models.Status
		switch r.Status {
		case models.StatusGivenOut, models.StatusInUse:
			to = models.StatusReturned
		case models.StatusSubmitted, models.StatusQueuing:
			to = models.StatusCancel
		default:
			return g.snapshot(ctx, r)
		}

		ok, err := g.repo.UpdateRequestIf(ctx, r.Id, r.Status, database.Fields{database.ColStatus: to})
		if err != nil {
			return Snapshot{}, fmt.Errorf("release request: %w", err)
		}
		if ok {
			g.record(ctx, r.Key, to)
			g.logger.Info("request released",
				zap.String("request_id", r.Id),
				zap.Stringer("from", r.Status),
				zap.Stringer("to", to))
			r.Status = to
			return g.snapshot(ctx, r)
		}
	}

	r, err := g.find(ctx, ticket)
	if err != nil {
		return Snapshot{}, err
	}
	g.logger.Warn("release lost every race with the engine", zap.String("request_id", r.Id), zap.Stringer("status", r.Status))
	return g.snapshot(ctx, r)
}

func (g *Gateway) find(ctx context.Context, ticket string) (*models.Request, error) {
	ticket = strings.TrimSpace(ticket)
	if !models.ValidID(ticket) {
		return nil, ErrInvalidTicket
	}
	r, err := g.repo.FindRequest(ctx, ticket)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find request: %w", err)
	}
	return r, nil
}

func (g *Gateway) snapshot(ctx context.Context, r *models.Request) (Snapshot, error) {
	s := Snapshot{
		Ticket:     r.Id,
		Key:        r.Key,
		Status:     r.Status,
		StatusText: r.Status.Description(),
		Submitted:  r.SubmissionTimestamp,
		Checkout:   r.CheckoutTimestamp,
		Checkin:    r.CheckinTimestamp,
	}
	if !r.Status.In([]models.Status{models.StatusGivenOut, models.StatusInUse}) || !r.HasCredential() {
		return s, nil
	}

	cred, err := g.repo.FindCredential(ctx, *r.CredentialId)
	if errors.Is(err, database.ErrNotFound) {
		g.logger.Warn("credential of active request is gone",
			zap.String("request_id", r.Id), zap.String("credential_id", *r.CredentialId))
		return s, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("find credential: %w", err)
	}
	s.Username = cred.Username
	s.Password = cred.Password
	return s, nil
}

func (g *Gateway) record(ctx context.Context, key string, status models.Status) {
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	if err := g.stats.Record(ctx, stats.Event{Key: key, Status: status, At: g.now()}); err != nil {
		g.logger.Warn("stats record failed", zap.Error(err))
	}
}
