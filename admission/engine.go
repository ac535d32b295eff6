// Package admission moves lease requests through their lifecycle: intake,
// cancellation, return, timeouts and credential assignment. One call to
// Engine.RunCycle performs all six phases in order; the Driver calls it on
// a fixed interval.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"credential-broker/database"
	"credential-broker/models"
	"credential-broker/stats"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the post-assignment timeouts.
type Config struct {
	// WaitingTimeout bounds how long a Given-Out credential may wait for pickup.
	WaitingTimeout time.Duration
	// UsingTimeout bounds how long a checked-out credential may stay in use.
	UsingTimeout time.Duration
}

const defaultStatsTimeout = 50 * time.Millisecond

// DefaultConfig returns the stock timeouts.
func DefaultConfig() Config {
	return Config{WaitingTimeout: 90 * time.Second, UsingTimeout: 600 * time.Second}
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithStats(s stats.Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.stats = s
		}
	}
}

// WithStatsTimeout bounds each stats write made during a cycle.
func WithStatsTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.statsTimeout = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine runs admission cycles against a Repository. Cycles never overlap.
type Engine struct {
	repo    database.Repository
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	stats   stats.Store
	now     func() time.Time

	statsTimeout time.Duration

	mu sync.Mutex
}

func NewEngine(repo database.Repository, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		cfg:    cfg,
		logger: zap.NewNop(),
		stats:  stats.Nop{},
		now:    time.Now,

		statsTimeout: defaultStatsTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CycleReport counts what one cycle did.
type CycleReport struct {
	Queued          int `json:"queued"`
	NoSuchKey       int `json:"no_such_key"`
	Canceled        int `json:"canceled"`
	Completed       int `json:"completed"`
	TimedOutWaiting int `json:"timed_out_waiting"`
	TimedOutUsing   int `json:"timed_out_using"`
	Assigned        int `json:"assigned"`
	StillQueuing    int `json:"still_queuing"`
	Failed          int `json:"failed"`
	Conflicts       int `json:"conflicts"`
}

// cycle is the state shared by the phases of one RunCycle call.
type cycle struct {
	report   CycleReport
	progress *Progress
	pools    map[string][]models.Credential
}

// RunCycle executes the six phases once. A repository error aborts the
// cycle; the returned error names the phase it happened in.
func (e *Engine) RunCycle(ctx context.Context, progress *Progress) (CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	progress.begin()
	defer progress.end()

	c := &cycle{progress: progress, pools: make(map[string][]models.Credential)}
	phases := []struct {
		phase Phase
		run   func(context.Context, *cycle) error
	}{
		{PhaseIntake, e.intake},
		{PhaseCancel, e.acknowledgeCancels},
		{PhaseReturn, e.completeReturns},
		{PhaseWaitingTimeout, e.expireWaiting},
		{PhaseUsingTimeout, e.expireUsing},
		{PhaseAssignment, e.assign},
	}

	var err error
	for _, p := range phases {
		if err = p.run(ctx, c); err != nil {
			err = fmt.Errorf("%s phase: %w", p.phase, err)
			break
		}
	}

	if e.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		e.metrics.CyclesTotal.WithLabelValues(result).Inc()
		e.metrics.CycleLatencyMS.Observe(float64(time.Since(start).Milliseconds()))
	}
	return c.report, err
}

// intake moves Submitted requests to Queuing, or to NoSuchKey when the key
// has no credentials.
func (e *Engine) intake(ctx context.Context, c *cycle) error {
	rows, err := e.repo.FindRequests(ctx, database.RequestQuery{
		Statuses: []models.Status{models.StatusSubmitted},
		Sort:     database.QueueSort,
	})
	if err != nil {
		return err
	}
	c.progress.enter(PhaseIntake, len(rows))

	for i, r := range rows {
		c.progress.step(i)
		pool, err := e.pool(ctx, c, r.Key)
		if err != nil {
			return err
		}
		to := models.StatusQueuing
		if len(pool) == 0 {
			to = models.StatusNoSuchKey
		}
		ok, err := e.transition(ctx, c, PhaseIntake, r, to, database.Fields{})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if to == models.StatusNoSuchKey {
			c.report.NoSuchKey++
		} else {
			c.report.Queued++
		}
	}
	return nil
}

func (e *Engine) acknowledgeCancels(ctx context.Context, c *cycle) error {
	rows, err := e.repo.FindRequests(ctx, database.RequestQuery{
		Statuses: []models.Status{models.StatusCancel},
	})
	if err != nil {
		return err
	}
	c.progress.enter(PhaseCancel, len(rows))

	for i, r := range rows {
		c.progress.step(i)
		ok, err := e.transition(ctx, c, PhaseCancel, r, models.StatusCanceled, database.Fields{})
		if err != nil {
			return err
		}
		if ok {
			c.report.Canceled++
		}
	}
	return nil
}

// completeReturns frees the capacity held by Returned requests.
func (e *Engine) completeReturns(ctx context.Context, c *cycle) error {
	rows, err := e.repo.FindRequests(ctx, database.RequestQuery{
		Statuses: []models.Status{models.StatusReturned},
	})
	if err != nil {
		return err
	}
	c.progress.enter(PhaseReturn, len(rows))

	for i, r := range rows {
		c.progress.step(i)
		if !r.HasCredential() || r.CheckoutTimestamp == nil {
			if err := e.fail(ctx, c, PhaseReturn, r, "returned without a checked out credential"); err != nil {
				return err
			}
			continue
		}
		ok, err := e.transition(ctx, c, PhaseReturn, r, models.StatusCompleted, database.Fields{
			database.ColCheckinTimestamp: e.now(),
		})
		if err != nil {
			return err
		}
		if ok {
			c.report.Completed++
		}
	}
	return nil
}

// expireWaiting times out Given-Out requests the client never picked up.
func (e *Engine) expireWaiting(ctx context.Context, c *cycle) error {
	rows, err := e.repo.FindRequests(ctx, database.RequestQuery{
		Statuses: []models.Status{models.StatusGivenOut},
	})
	if err != nil {
		return err
	}
	c.progress.enter(PhaseWaitingTimeout, len(rows))

	now := e.now()
	for i, r := range rows {
		c.progress.step(i)
		if r.CheckoutTimestamp == nil {
			if err := e.fail(ctx, c, PhaseWaitingTimeout, r, "given out without a checkout timestamp"); err != nil {
				return err
			}
			continue
		}
		if now.Sub(*r.CheckoutTimestamp) <= e.cfg.WaitingTimeout {
			continue
		}
		ok, err := e.transition(ctx, c, PhaseWaitingTimeout, r, models.StatusTimedOutWaiting, database.Fields{})
		if err != nil {
			return err
		}
		if ok {
			c.report.TimedOutWaiting++
		}
	}
	return nil
}

// expireUsing times out checked out requests held longer than UsingTimeout.
func (e *Engine) expireUsing(ctx context.Context, c *cycle) error {
	rows, err := e.repo.FindRequests(ctx, database.RequestQuery{
		Statuses:    []models.Status{models.StatusInUse, models.StatusCancel},
		HasCheckout: true,
	})
	if err != nil {
		return err
	}
	c.progress.enter(PhaseUsingTimeout, len(rows))

	now := e.now()
	for i, r := range rows {
		c.progress.step(i)
		if now.Sub(*r.CheckoutTimestamp) <= e.cfg.UsingTimeout {
			continue
		}
		ok, err := e.transition(ctx, c, PhaseUsingTimeout, r, models.StatusTimedOutUsing, database.Fields{})
		if err != nil {
			return err
		}
		if ok {
			c.report.TimedOutUsing++
		}
	}
	return nil
}

// pool returns the credentials of key, cached for the rest of the cycle.
func (e *Engine) pool(ctx context.Context, c *cycle, key string) ([]models.Credential, error) {
	if creds, ok := c.pools[key]; ok {
		return creds, nil
	}
	creds, err := e.repo.FindCredentials(ctx, database.CredentialQuery{Key: key})
	if err != nil {
		return nil, fmt.Errorf("load pool %q: %w", key, err)
	}
	c.pools[key] = creds
	return creds, nil
}

// transition moves r from its current status to "to" with a conditional
// write. It reports false when a concurrent writer changed r first.
func (e *Engine) transition(ctx context.Context, c *cycle, phase Phase, r models.Request, to models.Status, fields database.Fields) (bool, error) {
	fields[database.ColStatus] = to
	ok, err := e.repo.UpdateRequestIf(ctx, r.Id, r.Status, fields)
	if err != nil {
		return false, fmt.Errorf("update request %s: %w", r.Id, err)
	}
	if !ok {
		c.report.Conflicts++
		if e.metrics != nil {
			e.metrics.ConflictsTotal.WithLabelValues(string(phase)).Inc()
		}
		e.logger.Debug("request changed concurrently, skipping",
			zap.String("phase", string(phase)),
			zap.String("request_id", r.Id),
			zap.Stringer("expected", r.Status))
		return false, nil
	}

	now := e.now()
	if e.metrics != nil {
		e.metrics.TransitionsTotal.WithLabelValues(to.String()).Inc()
	}
	e.record(ctx, stats.Event{Key: r.Key, Status: to, At: now})

	logFields := []zap.Field{
		zap.String("request_id", r.Id),
		zap.String("key", r.Key),
		zap.Stringer("from", r.Status),
		zap.Stringer("to", to),
	}
	if credId, ok := fields[database.ColCredentialId].(string); ok {
		logFields = append(logFields, zap.String("credential_id", credId))
	} else if r.HasCredential() {
		logFields = append(logFields, zap.String("credential_id", *r.CredentialId))
	}
	if r.CheckoutTimestamp != nil {
		logFields = append(logFields, zap.Float64("elapsed_s", now.Sub(*r.CheckoutTimestamp).Seconds()))
	} else {
		logFields = append(logFields, zap.Float64("waited_s", now.Sub(r.SubmissionTimestamp).Seconds()))
	}
	e.logger.Log(severity(to), to.Description(), logFields...)
	return true, nil
}

// record writes a best-effort counter; a slow store costs at most
// statsTimeout per transition.
func (e *Engine) record(ctx context.Context, ev stats.Event) {
	ctx, cancel := context.WithTimeout(ctx, e.statsTimeout)
	defer cancel()
	if err := e.stats.Record(ctx, ev); err != nil {
		e.logger.Warn("stats record failed", zap.Error(err))
	}
}

// fail parks a request whose stored data breaks the lifecycle invariants.
func (e *Engine) fail(ctx context.Context, c *cycle, phase Phase, r models.Request, reason string) error {
	e.logger.Error("inconsistent request", zap.String("request_id", r.Id), zap.String("reason", reason))
	ok, err := e.transition(ctx, c, phase, r, models.StatusFailed, database.Fields{})
	if err != nil {
		return err
	}
	if ok {
		c.report.Failed++
	}
	return nil
}

func severity(s models.Status) zapcore.Level {
	switch s {
	case models.StatusNoSuchKey, models.StatusFailed:
		return zapcore.ErrorLevel
	case models.StatusTimedOutWaiting, models.StatusTimedOutUsing:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}
