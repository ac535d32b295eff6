package stats

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"credential-broker/models"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CountsByStatusAndKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Record(ctx, Event{Key: "k1", Status: models.StatusSubmitted}))
	require.NoError(t, s.Record(ctx, Event{Key: "k1", Status: models.StatusQueuing}))
	require.NoError(t, s.Record(ctx, Event{Key: "k2", Status: models.StatusSubmitted}))
	require.NoError(t, s.Record(ctx, Event{Key: "k2", Status: models.StatusNoSuchKey}))

	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"submitted": 2, "queuing": 1, "nosuchkey": 1}, totals)
	assert.Equal(t, map[string]int64{"submitted": 1, "nosuchkey": 1}, s.ByKey("k2"))
	assert.Empty(t, s.ByKey("missing"))
}

func TestNop(t *testing.T) {
	var s Store = Nop{}
	require.NoError(t, s.Record(context.Background(), Event{Status: models.StatusCompleted}))
	totals, err := s.Totals(context.Background())
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestRedisStore_NilClientIsNoop(t *testing.T) {
	ctx := context.Background()
	for _, s := range []*RedisStore{nil, NewRedisStore(nil)} {
		assert.NoError(t, s.Record(ctx, Event{Status: models.StatusSubmitted}))
		totals, err := s.Totals(ctx)
		require.NoError(t, err)
		assert.Empty(t, totals)
	}
}

// Runs against a real server when STATS_TEST_REDIS_ADDR is set.
func TestRedisStore_RecordAndTotals(t *testing.T) {
	addr := os.Getenv("STATS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STATS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	prefix := "broker:stats:test:" + time.Now().Format("150405.000000")
	s := NewRedisStore(rdb, WithPrefix(prefix), WithTTL(time.Minute))
	t.Cleanup(func() {
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})

	require.NoError(t, s.Record(ctx, Event{Key: "k1", Status: models.StatusGivenOut}))
	require.NoError(t, s.Record(ctx, Event{Key: "k1", Status: models.StatusGivenOut}))
	require.NoError(t, s.Record(ctx, Event{Key: "k1", Status: models.StatusReturned}))

	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"givenout": 2, "returned": 1}, totals)

	ttl, err := rdb.TTL(ctx, prefix+":key:k1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

type blockingStore struct {
	release chan struct{}
	*MemoryStore
}

func (s blockingStore) Record(ctx context.Context, ev Event) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemoryStore.Record(ctx, ev)
}

func TestBuffered_RecordDoesNotBlock(t *testing.T) {
	next := blockingStore{release: make(chan struct{}), MemoryStore: NewMemoryStore()}
	b := NewBuffered(next, 2, time.Minute, nil)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Record(ctx, Event{Key: "k1", Status: models.StatusSubmitted}))
	}
	// At most one more fits once the writer has taken an event off the queue.
	var dropped int
	for i := 0; i < 5; i++ {
		if errors.Is(b.Record(ctx, Event{Key: "k1", Status: models.StatusSubmitted}), ErrBufferFull) {
			dropped++
		}
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.EqualValues(t, dropped, b.Dropped())
	assert.GreaterOrEqual(t, dropped, 4)

	close(next.release)
	b.Close()
	totals, err := b.Totals(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7-dropped, totals["submitted"])

	assert.NoError(t, b.Record(ctx, Event{Status: models.StatusSubmitted}), "records after Close are ignored")
}
