package admission

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Driver runs the engine once immediately and then again interval after
// each cycle finishes, until its context is canceled.
type Driver struct {
	engine        *Engine
	interval      time.Duration
	logger        *zap.Logger
	progress      *Progress
	drainLogEvery time.Duration
}

func NewDriver(engine *Engine, interval time.Duration, logger *zap.Logger) *Driver {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		engine:        engine,
		interval:      interval,
		logger:        logger,
		progress:      NewProgress(),
		drainLogEvery: 200 * time.Millisecond,
	}
}

// Progress exposes the live cycle progress.
func (d *Driver) Progress() *Progress { return d.progress }

// Run blocks until ctx is canceled. A cycle in flight at cancellation runs
// to completion before Run returns.
func (d *Driver) Run(ctx context.Context) {
	d.logger.Info("admission driver started",
		zap.Duration("poll_interval", d.interval),
		zap.Duration("waiting_timeout", d.engine.cfg.WaitingTimeout),
		zap.Duration("using_timeout", d.engine.cfg.UsingTimeout))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("admission driver stopped", zap.Uint64("cycles", d.progress.Snapshot().Cycle))
			return
		case <-timer.C:
			if ctx.Err() != nil {
				continue
			}
		}

		d.runCycle(ctx)
		timer.Reset(d.interval)
	}
}

func (d *Driver) runCycle(ctx context.Context) {
	done := make(chan struct{})
	go d.watchDrain(ctx, done)

	report, err := d.engine.RunCycle(context.WithoutCancel(ctx), d.progress)
	close(done)

	if err != nil {
		d.logger.Error("admission cycle aborted", zap.Error(err))
		return
	}
	d.logger.Debug("admission cycle finished", zap.Any("report", report))
}

// watchDrain logs progress while a cycle finishes after shutdown was requested.
func (d *Driver) watchDrain(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	last := d.progress.Snapshot()
	d.logger.Warn("shutdown requested, finishing admission cycle", progressFields(last)...)

	t := time.NewTicker(d.drainLogEvery)
	defer t.Stop()
	for {
		select {
		case <-done:
			d.logger.Warn("admission cycle drained")
			return
		case <-t.C:
			if s := d.progress.Snapshot(); s != last {
				d.logger.Info("draining admission cycle", progressFields(s)...)
				last = s
			}
		}
	}
}

func progressFields(s ProgressSnapshot) []zap.Field {
	return []zap.Field{
		zap.Uint64("cycle", s.Cycle),
		zap.String("phase", string(s.Phase)),
		zap.Int("index", s.Index),
		zap.Int("count", s.Count),
	}
}
