package insight

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"companion-telemetry/internal/model"
	"companion-telemetry/internal/store"
)

func insightAt(t model.InsightType, ts int64) model.Insight {
	return model.Insight{
		ID:        model.NewID("insight"),
		Type:      t,
		Timestamp: ts,
	}
}

func TestQueryFiltersSortsAndLimits(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	s := NewStore(ctx, kv)
	s.Append(ctx, []model.Insight{
		insightAt(model.InsightBehavior, 100),
		insightAt(model.InsightPerformance, 300),
		insightAt(model.InsightBehavior, 200),
		insightAt(model.InsightBehavior, 50),
	})

	behavior := s.Query(model.InsightBehavior, 2)
	require.Len(t, behavior, 2)
	require.EqualValues(t, 200, behavior[0].Timestamp)
	require.EqualValues(t, 100, behavior[1].Timestamp)

	all := s.Query("", 0)
	require.Len(t, all, 4)
	require.EqualValues(t, 300, all[0].Timestamp)
}

func TestStoreHydratesFromGateway(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	first := NewStore(ctx, kv)
	first.Append(ctx, []model.Insight{insightAt(model.InsightEngagement, time.Now().UnixMilli())})

	second := NewStore(ctx, kv)
	require.Equal(t, 1, second.Count())
}

func TestStoreDiscardsCorruptBlob(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, store.KeyInsights, []byte("not json")))
	require.Equal(t, 0, NewStore(ctx, kv).Count())
}

func TestSweepIsIdempotent(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	s := NewStore(ctx, kv)
	now := time.Now().UnixMilli()
	s.Append(ctx, []model.Insight{
		insightAt(model.InsightBehavior, now-1000),
		insightAt(model.InsightBehavior, now),
	})

	require.Equal(t, 1, s.Sweep(ctx, now-500))
	firstBlob, err := kv.Get(ctx, store.KeyInsights)
	require.NoError(t, err)

	require.Equal(t, 0, s.Sweep(ctx, now-500))
	secondBlob, err := kv.Get(ctx, store.KeyInsights)
	require.NoError(t, err)
	require.JSONEq(t, string(firstBlob), string(secondBlob))
	require.Equal(t, 1, s.Count())
}

func TestClearPersistsEmptyState(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	s := NewStore(ctx, kv)
	s.Append(ctx, []model.Insight{insightAt(model.InsightBehavior, 1)})
	s.Clear(ctx)

	data, err := kv.Get(ctx, store.KeyInsights)
	require.NoError(t, err)
	var stored []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Empty(t, stored)
}
