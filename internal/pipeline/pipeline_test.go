package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"companion-telemetry/internal/config"
	"companion-telemetry/internal/model"
	"companion-telemetry/internal/sink"
	"companion-telemetry/internal/store"
)

// recordingSink captures delivered batches and can be told to fail the first
// n sends.
type recordingSink struct {
	mu       sync.Mutex
	batches  [][]model.Event
	failures int
}

func (r *recordingSink) Send(ctx context.Context, batch []model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("sink unavailable")
	}
	cp := append([]model.Event(nil), batch...)
	r.batches = append(r.batches, cp)
	return nil
}

func (r *recordingSink) sent() [][]model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]model.Event(nil), r.batches...)
}

func newTestPipeline(t *testing.T, kv store.KV, s sink.Sink, settings config.Settings) *Pipeline {
	t.Helper()
	p := New(context.Background(), Options{
		KV:       kv,
		Sink:     s,
		Settings: settings,
		// Long intervals so only size triggers and explicit calls drive work.
		FlushInterval:     time.Hour,
		RetentionInterval: time.Hour,
	})
	t.Cleanup(p.Close)
	return p
}

func manualSettings() config.Settings {
	s := config.DefaultSettings()
	s.BatchSize = 100 // out of reach unless a test wants the size trigger
	s.AnonymizeData = false
	return s
}

func eventTypes(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}

func TestTrackQueuesAndPersists(t *testing.T) {
	kv := store.NewMemory()
	p := newTestPipeline(t, kv, &recordingSink{}, manualSettings())
	ctx := context.Background()

	p.Track(ctx, "a", map[string]any{"k": "v"}, nil)
	p.Track(ctx, "b", nil, nil)
	require.Equal(t, 2, p.QueueLen())

	data, err := kv.Get(ctx, store.KeyEvents)
	require.NoError(t, err)
	var persisted []model.Event
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Equal(t, []string{"a", "b"}, eventTypes(persisted))
}

func TestSizeTriggerFlushesImmediately(t *testing.T) {
	settings := manualSettings()
	settings.BatchSize = 2
	rs := &recordingSink{}
	p := newTestPipeline(t, store.NewMemory(), rs, settings)
	ctx := context.Background()

	p.Track(ctx, "a", nil, nil)
	require.Equal(t, 1, p.QueueLen())
	p.Track(ctx, "b", nil, nil)

	require.Eventually(t, func() bool {
		sent := rs.sent()
		return len(sent) == 1 && len(sent[0]) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, p.QueueLen())
}

func TestFailedBatchIsRestoredInOrder(t *testing.T) {
	settings := manualSettings()
	settings.BatchSize = 2
	rs := &recordingSink{failures: 1}
	p := newTestPipeline(t, store.NewMemory(), rs, settings)
	ctx := context.Background()

	p.Track(ctx, "a", nil, nil)
	p.Track(ctx, "b", nil, nil)

	// The size-triggered flush fails and restores [a,b].
	require.Eventually(t, func() bool { return p.QueueLen() == 2 }, time.Second, 10*time.Millisecond)

	p.Track(ctx, "c", nil, nil)
	require.Eventually(t, func() bool {
		sent := rs.sent()
		return len(sent) == 1 && len(sent[0]) == 3
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"a", "b", "c"}, eventTypes(rs.sent()[0]))
	require.Equal(t, 0, p.QueueLen())
}

func TestFailureEmitsBatchFailedNotification(t *testing.T) {
	rs := &recordingSink{failures: 1}
	p := newTestPipeline(t, store.NewMemory(), rs, manualSettings())
	ctx := context.Background()

	p.Track(ctx, "a", nil, nil)
	drainNotifications(p)
	p.Flush(ctx)

	n := awaitNotification(t, p, KindBatchFailed)
	require.Error(t, n.Err)
	require.Equal(t, 1, p.QueueLen())
}

func TestAtMostOneFlushInFlight(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})
	slowSink := sink.Func(func(ctx context.Context, batch []model.Event) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	})

	settings := manualSettings()
	settings.BatchSize = 1
	p := newTestPipeline(t, store.NewMemory(), slowSink, settings)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Track(ctx, "spam", nil, nil) // each fires the size trigger
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return inFlight.Load() == 1 }, time.Second, 10*time.Millisecond)
	// Explicit flush while one is in flight must coalesce, not start a second send.
	p.Flush(ctx)
	require.EqualValues(t, 1, maxInFlight.Load())

	close(release)
	require.Eventually(t, func() bool { return inFlight.Load() == 0 }, time.Second, 10*time.Millisecond)
	p.Flush(ctx) // drain whatever queued behind the blocked flush
	require.Equal(t, 0, p.QueueLen())
	require.EqualValues(t, 1, maxInFlight.Load())
}

func TestDisabledTrackingIsTrueNoOp(t *testing.T) {
	settings := manualSettings()
	settings.Enabled = false
	kv := store.NewMemory()
	rs := &recordingSink{}
	p := newTestPipeline(t, kv, rs, settings)
	ctx := context.Background()

	p.Track(ctx, "a", map[string]any{"k": "v"}, nil)
	p.TrackScreenView(ctx, "home", time.Second)
	p.TrackUserInteraction(ctx, "tap", "button", nil)
	p.TrackPerformance(ctx, "load", 1500, nil)

	require.Equal(t, 0, p.QueueLen())
	require.Empty(t, p.Insights("", 0))
	select {
	case n := <-p.Notifications():
		t.Fatalf("unexpected notification %s", n.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	_, err := kv.Get(ctx, store.KeyEvents)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCategoryKillSwitches(t *testing.T) {
	settings := manualSettings()
	settings.TrackScreenViews = false
	settings.TrackUserInteractions = false
	settings.TrackPerformance = false
	p := newTestPipeline(t, store.NewMemory(), &recordingSink{}, settings)
	ctx := context.Background()

	p.TrackScreenView(ctx, "home", 0)
	p.TrackUserInteraction(ctx, "tap", "button", nil)
	p.TrackPerformance(ctx, "load", 100, nil)
	require.Equal(t, 0, p.QueueLen())

	// Plain track is still on.
	p.Track(ctx, "custom", nil, nil)
	require.Equal(t, 1, p.QueueLen())
}

func TestAnonymizationStripsTopLevelPersonalFields(t *testing.T) {
	settings := manualSettings()
	settings.AnonymizeData = true
	p := newTestPipeline(t, store.NewMemory(), &recordingSink{}, settings)
	ctx := context.Background()

	p.Track(ctx, "signup", map[string]any{
		"email":   "user@example.com",
		"name":    "User",
		"phone":   "555-0100",
		"address": "1 Main St",
		"userId":  "u-1",
		"plan":    "pro",
		"nested":  map[string]any{"email": "kept@example.com"},
	}, nil)

	data, err := p.Export()
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Events, 1)

	payload := snap.Events[0].Data
	for _, field := range []string{"email", "name", "phone", "address", "userId"} {
		require.NotContains(t, payload, field)
	}
	require.Equal(t, "pro", payload["plan"])
	// Scrubbing is shallow: nested personal data survives.
	require.Contains(t, payload["nested"], "email")
}

func TestSuccessfulFlushGeneratesInsights(t *testing.T) {
	rs := &recordingSink{}
	p := newTestPipeline(t, store.NewMemory(), rs, manualSettings())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		p.TrackScreenView(ctx, "home", 0)
	}
	p.Flush(ctx)

	insights := p.Insights(model.InsightBehavior, 10)
	require.Len(t, insights, 1)
	require.InDelta(t, 0.6, insights[0].Confidence, 1e-9)
}

func TestSweepPurgesOldEventsAndInsights(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	now := time.Now()
	horizon := 90 * 24 * time.Hour

	old := model.NewEvent("old", "s1", nil, nil)
	old.Timestamp = now.Add(-horizon - time.Hour).UnixMilli()
	fresh := model.NewEvent("fresh", "s1", nil, nil)
	queueBlob, err := json.Marshal([]model.Event{old, fresh})
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, store.KeyEvents, queueBlob))

	staleInsight := model.Insight{ID: "i1", Type: model.InsightBehavior, Timestamp: now.Add(-horizon - time.Hour).UnixMilli()}
	insightBlob, err := json.Marshal([]model.Insight{staleInsight})
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, store.KeyInsights, insightBlob))

	p := newTestPipeline(t, kv, &recordingSink{}, manualSettings())
	require.Equal(t, 2, p.QueueLen())

	p.Sweep(ctx, now)
	require.Equal(t, 1, p.QueueLen())
	require.Empty(t, p.Insights("", 0))

	// Second sweep with no new data changes nothing.
	firstBlob, err := kv.Get(ctx, store.KeyEvents)
	require.NoError(t, err)
	p.Sweep(ctx, now)
	secondBlob, err := kv.Get(ctx, store.KeyEvents)
	require.NoError(t, err)
	require.JSONEq(t, string(firstBlob), string(secondBlob))
}

func TestQueueSurvivesRestart(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	first := newTestPipeline(t, kv, &recordingSink{}, manualSettings())
	first.Track(ctx, "a", nil, nil)
	first.Track(ctx, "b", nil, nil)

	second := New(ctx, Options{
		KV:                kv,
		Sink:              &recordingSink{},
		Settings:          manualSettings(),
		FlushInterval:     time.Hour,
		RetentionInterval: time.Hour,
	})
	defer second.Close()
	require.Equal(t, 2, second.QueueLen())
}

func TestPersistenceWriteFailureIsAbsorbed(t *testing.T) {
	kv := store.NewMemory()
	kv.FailSet = func(key string) error {
		if key == store.KeyEvents {
			return errors.New("disk full")
		}
		return nil
	}
	rs := &recordingSink{}
	p := newTestPipeline(t, kv, rs, manualSettings())
	ctx := context.Background()

	p.Track(ctx, "a", nil, nil)
	require.Equal(t, 1, p.QueueLen())
	p.Flush(ctx)
	require.Eventually(t, func() bool { return len(rs.sent()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestUpdateSettingsPersistsMergedResult(t *testing.T) {
	kv := store.NewMemory()
	p := newTestPipeline(t, kv, &recordingSink{}, manualSettings())
	ctx := context.Background()

	retention := 7
	merged := p.UpdateSettings(ctx, config.SettingsPatch{RetentionDays: &retention})
	require.Equal(t, 7, merged.RetentionDays)

	data, err := kv.Get(ctx, store.KeySettings)
	require.NoError(t, err)
	var stored config.Settings
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Equal(t, 7, stored.RetentionDays)

	// A restarted pipeline overlays the stored blob on its base settings.
	restarted := New(ctx, Options{
		KV:                kv,
		Sink:              &recordingSink{},
		Settings:          manualSettings(),
		FlushInterval:     time.Hour,
		RetentionInterval: time.Hour,
	})
	defer restarted.Close()
	require.Equal(t, 7, restarted.Settings().RetentionDays)
}

func TestRotateSessionTracksSessionStart(t *testing.T) {
	p := newTestPipeline(t, store.NewMemory(), &recordingSink{}, manualSettings())
	ctx := context.Background()

	id := p.RotateSession(ctx)
	require.NotEmpty(t, id)
	require.Equal(t, 1, p.QueueLen())

	data, err := p.Export()
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, model.EventSessionStart, snap.Events[0].Type)
	require.Equal(t, id, snap.Events[0].SessionID)
}

func TestClearEmptiesQueueAndInsightsOnly(t *testing.T) {
	kv := store.NewMemory()
	p := newTestPipeline(t, kv, &recordingSink{}, manualSettings())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		p.TrackScreenView(ctx, "home", 0)
	}
	p.Flush(ctx)
	require.NotEmpty(t, p.Insights("", 0))

	before := p.Settings()
	p.Clear(ctx)
	require.Equal(t, 0, p.QueueLen())
	require.Empty(t, p.Insights("", 0))
	require.Equal(t, before, p.Settings())
}

func TestAnalyticsDataSummarizesQueue(t *testing.T) {
	p := newTestPipeline(t, store.NewMemory(), &recordingSink{}, manualSettings())
	ctx := context.Background()

	p.Track(ctx, "a", nil, nil)
	p.Track(ctx, "a", nil, nil)
	p.Track(ctx, "b", nil, nil)

	summary := p.AnalyticsData(ctx, nil)
	require.Equal(t, 3, summary.TotalEvents)
	require.EqualValues(t, 2, summary.EventsByType["a"])
	require.EqualValues(t, 1, summary.EventsByType["b"])
	require.GreaterOrEqual(t, summary.SessionDuration, int64(0))
}

func TestNotificationsCarryLifecycle(t *testing.T) {
	rs := &recordingSink{}
	p := newTestPipeline(t, store.NewMemory(), rs, manualSettings())
	ctx := context.Background()

	p.Track(ctx, "a", nil, nil)
	n := awaitNotification(t, p, KindEventTracked)
	require.Equal(t, "a", n.Event.Type)

	p.Flush(ctx)
	n = awaitNotification(t, p, KindBatchProcessed)
	require.Equal(t, 1, n.Count)
}

func awaitNotification(t *testing.T, p *Pipeline, kind NotificationKind) Notification {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case n := <-p.Notifications():
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notification", kind)
		}
	}
}

func drainNotifications(p *Pipeline) {
	for {
		select {
		case <-p.Notifications():
		default:
			return
		}
	}
}
