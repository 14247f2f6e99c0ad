package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known event types produced by the tracking helpers. The type field is
// open-ended; callers may record any string tag.
const (
	EventScreenView      = "screen_view"
	EventUserInteraction = "user_interaction"
	EventPerformance     = "performance"
	EventSessionStart    = "session_start"
)

// Metadata carries optional auxiliary fields attached to an event.
type Metadata struct {
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"version,omitempty"`
	Screen     string `json:"screen,omitempty"`
	DurationMS int64  `json:"duration,omitempty"`
}

// Event is one observed occurrence. Events are immutable once created.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"` // milliseconds epoch
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
	Metadata  *Metadata      `json:"metadata,omitempty"`
}

// NewEvent stamps a fresh event with a unique id and the current time.
func NewEvent(eventType, sessionID string, data map[string]any, meta *Metadata) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        NewID("event"),
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
		Data:      data,
		Metadata:  meta,
	}
}

// NewID returns an id of the form <kind>_<millis>_<suffix>.
func NewID(kind string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", kind, time.Now().UnixMilli(), suffix)
}

// IDTimestamp extracts the embedded creation time from an id produced by
// NewID. It returns zero when the id does not carry one.
func IDTimestamp(id string) int64 {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return 0
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
