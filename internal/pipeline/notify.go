package pipeline

import (
	"companion-telemetry/internal/model"
)

// NotificationKind labels a pipeline lifecycle message.
type NotificationKind string

const (
	KindEventTracked      NotificationKind = "event_tracked"
	KindBatchProcessed    NotificationKind = "batch_processed"
	KindBatchFailed       NotificationKind = "batch_failed"
	KindInsightsGenerated NotificationKind = "insights_generated"
	KindDataCleared       NotificationKind = "data_cleared"
	KindSessionStarted    NotificationKind = "session_started"
)

// Notification is an outbound pipeline lifecycle message. Hosts subscribe via
// Pipeline.Notifications; emission never blocks ingestion, so a slow consumer
// loses messages rather than stalling the pipeline.
type Notification struct {
	Kind      NotificationKind
	Event     *model.Event    // KindEventTracked
	Count     int             // KindBatchProcessed
	Err       error           // KindBatchFailed
	Insights  []model.Insight // KindInsightsGenerated
	SessionID string          // KindSessionStarted
}

func (p *Pipeline) notify(n Notification) {
	select {
	case p.notifications <- n:
	default:
	}
}

// Notifications returns the outbound lifecycle channel. The channel is closed
// when the pipeline shuts down.
func (p *Pipeline) Notifications() <-chan Notification {
	return p.notifications
}
