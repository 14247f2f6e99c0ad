package insight

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"

	"companion-telemetry/internal/model"
	"companion-telemetry/internal/store"
)

// DefaultQueryLimit bounds Query results when the caller passes limit <= 0.
const DefaultQueryLimit = 10

// Store holds accumulated insights, mirrored to the persistence gateway after
// every mutation.
type Store struct {
	kv store.KV

	mu       sync.Mutex
	insights []model.Insight
}

// NewStore returns a store hydrated from the gateway. A missing or corrupt
// blob starts the store empty.
func NewStore(ctx context.Context, kv store.KV) *Store {
	s := &Store{kv: kv}
	data, err := kv.Get(ctx, store.KeyInsights)
	if err == nil {
		if err := json.Unmarshal(data, &s.insights); err != nil {
			log.Printf("insight: discard corrupt insight store: %v", err)
			s.insights = nil
		}
	}
	return s
}

// Append adds new insights and persists the store. Existing insights are never
// overwritten.
func (s *Store) Append(ctx context.Context, insights []model.Insight) {
	if len(insights) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, insights...)
	s.persist(ctx)
}

// Query returns insights filtered by type (when non-empty), newest first,
// truncated to limit.
func (s *Store) Query(insightType model.InsightType, limit int) []model.Insight {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := make([]model.Insight, 0, len(s.insights))
	for _, ins := range s.insights {
		if insightType != "" && ins.Type != insightType {
			continue
		}
		filtered = append(filtered, ins)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp > filtered[j].Timestamp
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// Count returns the number of stored insights.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.insights)
}

// All returns a copy of every stored insight in insertion order.
func (s *Store) All() []model.Insight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Insight(nil), s.insights...)
}

// Sweep drops insights older than cutoff (milliseconds epoch) and persists the
// result. Calling it again with no new data is a no-op.
func (s *Store) Sweep(ctx context.Context, cutoff int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.insights[:0]
	for _, ins := range s.insights {
		if ins.Timestamp > cutoff {
			kept = append(kept, ins)
		}
	}
	removed := len(s.insights) - len(kept)
	s.insights = kept
	if removed > 0 {
		s.persist(ctx)
	}
	return removed
}

// Clear empties the store and persists the empty state.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = nil
	s.persist(ctx)
}

func (s *Store) persist(ctx context.Context) {
	blob := s.insights
	if blob == nil {
		blob = []model.Insight{}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, store.KeyInsights, data); err != nil {
		log.Printf("insight: persist failed: %v", err)
	}
}
