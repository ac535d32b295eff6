package stats

import (
	"context"
	"sync"
)

// MemoryStore keeps counters in process memory. It never expires entries
// and is meant for tests and single-process deployments.
type MemoryStore struct {
	mu    sync.Mutex
	total map[string]int64
	byKey map[string]map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		total: make(map[string]int64),
		byKey: make(map[string]map[string]int64),
	}
}

func (s *MemoryStore) Record(_ context.Context, ev Event) error {
	f := field(ev.Status)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total[f]++
	if ev.Key != "" {
		k := s.byKey[ev.Key]
		if k == nil {
			k = make(map[string]int64)
			s.byKey[ev.Key] = k
		}
		k[f]++
	}
	return nil
}

func (s *MemoryStore) Totals(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.total))
	for k, v := range s.total {
		out[k] = v
	}
	return out, nil
}

// ByKey returns a copy of the per-key counters.
func (s *MemoryStore) ByKey(key string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.byKey[key]))
	for k, v := range s.byKey[key] {
		out[k] = v
	}
	return out
}
