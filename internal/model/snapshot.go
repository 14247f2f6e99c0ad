package model

// Summary aggregates the pending queue and insight store for display.
type Summary struct {
	TotalEvents     int              `json:"total_events"`
	EventsByType    map[string]int64 `json:"events_by_type"`
	SessionDuration int64            `json:"session_duration"` // milliseconds
	InsightsCount   int              `json:"insights_count"`
}
