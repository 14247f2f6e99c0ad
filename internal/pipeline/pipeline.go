// Package pipeline owns the telemetry event queue: ingestion, scheduled batch
// delivery with failure recovery, insight derivation, session lifecycle and
// retention sweeping. One pipeline instance is constructed at startup and
// handed to consumers; it is safe for concurrent use.
package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"companion-telemetry/internal/config"
	"companion-telemetry/internal/insight"
	"companion-telemetry/internal/model"
	"companion-telemetry/internal/session"
	"companion-telemetry/internal/sink"
	"companion-telemetry/internal/store"
	"companion-telemetry/pkg/schedule"
)

// Keys whose top-level values are removed from payloads when anonymization is
// on. Scrubbing is shallow: nested personal data passes through unchanged.
var personalFields = []string{"email", "name", "phone", "address", "userId"}

// Options configures a pipeline instance.
type Options struct {
	KV       store.KV
	Sink     sink.Sink
	Engine   *insight.Engine
	Settings config.Settings // base settings, overlaid with the persisted blob

	FlushInterval     time.Duration // default 30s
	RetentionInterval time.Duration // default 24h
}

// Pipeline is the long-lived telemetry handle.
type Pipeline struct {
	kv       store.KV
	sink     sink.Sink
	engine   *insight.Engine
	insights *insight.Store
	sessions *session.Manager

	mu       sync.Mutex
	queue    []model.Event
	settings config.Settings
	flushing bool

	notifications chan Notification
	flushTask     *schedule.Task
	retainTask    *schedule.Task
	closeOnce     sync.Once
}

// New hydrates pipeline state from the gateway and starts the flush and
// retention timers. The returned pipeline must be closed to stop them.
func New(ctx context.Context, opts Options) *Pipeline {
	if opts.KV == nil {
		opts.KV = store.NewMemory()
	}
	if opts.Sink == nil {
		opts.Sink = sink.Log{}
	}
	if opts.Engine == nil {
		opts.Engine = insight.NewEngine()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = 24 * time.Hour
	}

	base := opts.Settings
	if base == (config.Settings{}) {
		base = config.DefaultSettings()
	}

	p := &Pipeline{
		kv:            opts.KV,
		sink:          opts.Sink,
		engine:        opts.Engine,
		insights:      insight.NewStore(ctx, opts.KV),
		sessions:      session.NewManager(opts.KV),
		settings:      loadSettings(ctx, opts.KV, base),
		notifications: make(chan Notification, 64),
	}
	p.queue = loadQueue(ctx, opts.KV)
	queueDepth.Set(float64(len(p.queue)))

	p.flushTask = schedule.Every(opts.FlushInterval, func() {
		p.Flush(context.Background())
	})
	p.retainTask = schedule.Every(opts.RetentionInterval, func() {
		p.Sweep(context.Background(), time.Now())
	})
	return p
}

// Close stops the timers, attempts a final flush, and closes the notification
// channel.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.flushTask.Stop()
		p.retainTask.Stop()
		p.Flush(context.Background())
		close(p.notifications)
	})
}

// Track validates, optionally anonymizes, and enqueues an event. It is
// fire-and-forget: it never blocks on a flush and never returns an error to
// the caller. Events recorded while tracking is disabled are dropped silently.
func (p *Pipeline) Track(ctx context.Context, eventType string, data map[string]any, meta *model.Metadata) {
	p.mu.Lock()
	if !p.settings.Enabled {
		p.mu.Unlock()
		eventsDropped.Inc()
		return
	}
	anonymize := p.settings.AnonymizeData
	batchSize := p.settings.BatchSize
	p.mu.Unlock()

	if anonymize {
		data = scrub(data)
	}
	evt := model.NewEvent(eventType, p.sessions.Current(ctx), data, meta)
	p.sessions.Touch(ctx)

	p.mu.Lock()
	p.queue = append(p.queue, evt)
	depth := len(p.queue)
	p.persistQueueLocked(ctx)
	p.mu.Unlock()

	queueDepth.Set(float64(depth))
	eventsTracked.WithLabelValues(eventType).Inc()
	p.notify(Notification{Kind: KindEventTracked, Event: &evt})

	if depth >= batchSize {
		p.flushTask.Fire()
	}
}

// TrackScreenView records a screen view when screen-view tracking is on.
func (p *Pipeline) TrackScreenView(ctx context.Context, screen string, duration time.Duration) {
	if !p.categoryEnabled(func(s config.Settings) bool { return s.TrackScreenViews }) {
		return
	}
	data := map[string]any{"screen": screen}
	meta := &model.Metadata{Screen: screen}
	if duration > 0 {
		data["duration"] = duration.Milliseconds()
		meta.DurationMS = duration.Milliseconds()
	}
	p.Track(ctx, model.EventScreenView, data, meta)
}

// TrackUserInteraction records an interaction when interaction tracking is on.
// Extra fields are merged into the payload alongside the interaction type and
// element.
func (p *Pipeline) TrackUserInteraction(ctx context.Context, interactionType, element string, extra map[string]any) {
	if !p.categoryEnabled(func(s config.Settings) bool { return s.TrackUserInteractions }) {
		return
	}
	data := map[string]any{"interactionType": interactionType, "element": element}
	for k, v := range extra {
		data[k] = v
	}
	p.Track(ctx, model.EventUserInteraction, data, nil)
}

// TrackPerformance records a performance sample when performance tracking is
// on.
func (p *Pipeline) TrackPerformance(ctx context.Context, metric string, value float64, details map[string]any) {
	if !p.categoryEnabled(func(s config.Settings) bool { return s.TrackPerformance }) {
		return
	}
	data := map[string]any{"metric": metric, "value": value}
	if details != nil {
		data["context"] = details
	}
	p.Track(ctx, model.EventPerformance, data, nil)
}

// Flush snapshots and clears the queue, delivers the batch, and on success
// feeds it to the insight engine. On failure the batch is restored to the
// front of the queue so ordering is preserved across retries. At most one
// flush runs at a time; a request arriving mid-flush is coalesced and the
// events ride the next attempt.
func (p *Pipeline) Flush(ctx context.Context) {
	p.mu.Lock()
	if p.flushing || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	p.flushing = true
	batch := p.queue
	p.queue = nil
	p.persistQueueLocked(ctx)
	p.mu.Unlock()
	queueDepth.Set(0)

	start := time.Now()
	err := p.sink.Send(ctx, batch)
	flushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		log.Printf("pipeline: batch of %d failed, re-queued: %v", len(batch), err)
		p.mu.Lock()
		restored := make([]model.Event, 0, len(batch)+len(p.queue))
		restored = append(restored, batch...)
		restored = append(restored, p.queue...)
		p.queue = restored
		depth := len(p.queue)
		p.persistQueueLocked(ctx)
		p.flushing = false
		p.mu.Unlock()
		queueDepth.Set(float64(depth))
		batchFailures.Inc()
		p.notify(Notification{Kind: KindBatchFailed, Err: err})
		return
	}

	batchesSent.Inc()
	insights := p.engine.Analyze(batch)
	p.insights.Append(ctx, insights)
	if len(insights) > 0 {
		insightsGenerated.Add(float64(len(insights)))
		p.notify(Notification{Kind: KindInsightsGenerated, Insights: insights})
	}

	p.mu.Lock()
	p.flushing = false
	p.mu.Unlock()
	p.notify(Notification{Kind: KindBatchProcessed, Count: len(batch)})
}

// Sweep purges queued events and insights older than the retention horizon.
// It is idempotent: a second call with no new data changes nothing.
func (p *Pipeline) Sweep(ctx context.Context, now time.Time) {
	p.mu.Lock()
	cutoff := now.Add(-time.Duration(p.settings.RetentionDays) * 24 * time.Hour).UnixMilli()
	kept := p.queue[:0]
	for _, evt := range p.queue {
		if evt.Timestamp > cutoff {
			kept = append(kept, evt)
		}
	}
	removed := len(p.queue) - len(kept)
	p.queue = kept
	if removed > 0 {
		p.persistQueueLocked(ctx)
	}
	depth := len(p.queue)
	p.mu.Unlock()

	queueDepth.Set(float64(depth))
	expired := p.insights.Sweep(ctx, cutoff)
	if removed > 0 || expired > 0 {
		log.Printf("pipeline: retention sweep removed %d events, %d insights", removed, expired)
	}
}

// RotateSession starts a new session and records a session_start event.
func (p *Pipeline) RotateSession(ctx context.Context) string {
	id := p.sessions.Rotate(ctx)
	p.Track(ctx, model.EventSessionStart, nil, nil)
	p.notify(Notification{Kind: KindSessionStarted, SessionID: id})
	return id
}

// Insights returns stored insights filtered by type (empty for all), newest
// first, truncated to limit.
func (p *Pipeline) Insights(insightType model.InsightType, limit int) []model.Insight {
	return p.insights.Query(insightType, limit)
}

// TimeRange bounds an analytics summary; zero values mean unbounded.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// AnalyticsData summarizes the pending queue and insight store.
func (p *Pipeline) AnalyticsData(ctx context.Context, tr *TimeRange) model.Summary {
	p.mu.Lock()
	byType := map[string]int64{}
	total := 0
	for _, evt := range p.queue {
		if tr != nil {
			if tr.Start != 0 && evt.Timestamp < tr.Start {
				continue
			}
			if tr.End != 0 && evt.Timestamp > tr.End {
				continue
			}
		}
		byType[evt.Type]++
		total++
	}
	p.mu.Unlock()

	return model.Summary{
		TotalEvents:     total,
		EventsByType:    byType,
		SessionDuration: time.Since(p.sessions.StartedAt(ctx)).Milliseconds(),
		InsightsCount:   p.insights.Count(),
	}
}

// Settings returns a copy of the current settings.
func (p *Pipeline) Settings() config.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// UpdateSettings merges a partial update into the settings and persists the
// result.
func (p *Pipeline) UpdateSettings(ctx context.Context, patch config.SettingsPatch) config.Settings {
	p.mu.Lock()
	p.settings = p.settings.Apply(patch)
	merged := p.settings
	p.mu.Unlock()

	data, err := json.Marshal(merged)
	if err == nil {
		if err := p.kv.Set(ctx, store.KeySettings, data); err != nil {
			log.Printf("pipeline: persist settings failed: %v", err)
		}
	}
	return merged
}

// Snapshot is the export payload for user-initiated backups.
type Snapshot struct {
	Events     []model.Event   `json:"events"`
	Insights   []model.Insight `json:"insights"`
	Settings   config.Settings `json:"settings"`
	ExportedAt int64           `json:"export_date"`
}

// Export serializes the queue, insight store and settings. Writing the result
// somewhere is the caller's job.
func (p *Pipeline) Export() ([]byte, error) {
	p.mu.Lock()
	events := append([]model.Event(nil), p.queue...)
	settings := p.settings
	p.mu.Unlock()

	snap := Snapshot{
		Events:     events,
		Insights:   p.insights.All(),
		Settings:   settings,
		ExportedAt: time.Now().UnixMilli(),
	}
	return json.MarshalIndent(snap, "", "  ")
}

// Clear empties the queue and insight store and persists the empty state.
// Settings and the current session are untouched.
func (p *Pipeline) Clear(ctx context.Context) {
	p.mu.Lock()
	p.queue = nil
	p.persistQueueLocked(ctx)
	p.mu.Unlock()
	queueDepth.Set(0)
	p.insights.Clear(ctx)
	p.notify(Notification{Kind: KindDataCleared})
}

// QueueLen reports the number of events pending delivery.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) categoryEnabled(pick func(config.Settings) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings.Enabled && pick(p.settings)
}

// persistQueueLocked mirrors the queue to the gateway. Callers hold p.mu.
// Write failures are logged and absorbed; the next successful write reconciles
// state.
func (p *Pipeline) persistQueueLocked(ctx context.Context) {
	blob := p.queue
	if blob == nil {
		blob = []model.Event{}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return
	}
	if err := p.kv.Set(ctx, store.KeyEvents, data); err != nil {
		log.Printf("pipeline: persist queue failed: %v", err)
	}
}

func loadSettings(ctx context.Context, kv store.KV, base config.Settings) config.Settings {
	data, err := kv.Get(ctx, store.KeySettings)
	if err != nil {
		return base.Normalize()
	}
	merged := base
	if err := json.Unmarshal(data, &merged); err != nil {
		log.Printf("pipeline: discard corrupt persisted settings: %v", err)
		return base.Normalize()
	}
	return merged.Normalize()
}

func loadQueue(ctx context.Context, kv store.KV) []model.Event {
	data, err := kv.Get(ctx, store.KeyEvents)
	if err != nil {
		return nil
	}
	var queue []model.Event
	if err := json.Unmarshal(data, &queue); err != nil {
		log.Printf("pipeline: discard corrupt persisted queue: %v", err)
		return nil
	}
	return queue
}

// scrub removes top-level personal fields from a payload copy.
func scrub(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, field := range personalFields {
		delete(out, field)
	}
	return out
}
