package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrBufferFull = errors.New("stats buffer full, event dropped")

// Buffered queues events in memory and writes them to the wrapped Store from
// one background goroutine, so Record never waits on the network. Events
// arriving while the queue is full are dropped and counted.
type Buffered struct {
	next    Store
	events  chan Event
	timeout time.Duration
	logger  *zap.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewBuffered(next Store, size int, timeout time.Duration, logger *zap.Logger) *Buffered {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Buffered{
		next:    next,
		events:  make(chan Event, size),
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Buffered) Record(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	select {
	case b.events <- ev:
		return nil
	default:
		b.dropped.Add(1)
		return ErrBufferFull
	}
}

func (b *Buffered) Totals(ctx context.Context) (map[string]int64, error) {
	return b.next.Totals(ctx)
}

// Dropped is the number of events lost to a full queue.
func (b *Buffered) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting events and waits until the queued ones are written.
func (b *Buffered) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Buffered) run() {
	defer close(b.done)
	for ev := range b.events {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := b.next.Record(ctx, ev)
		cancel()
		if err != nil {
			b.logger.Warn("stats record failed", zap.String("key", ev.Key), zap.Stringer("status", ev.Status), zap.Error(err))
		}
	}
}
