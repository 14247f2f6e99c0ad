package model

import "time"

// InsightType categorizes a derived insight.
type InsightType string

const (
	InsightBehavior    InsightType = "behavior"
	InsightPreference  InsightType = "preference"
	InsightPerformance InsightType = "performance"
	InsightEngagement  InsightType = "engagement"
)

// Insight is a derived, scored observation. Insights are append-only; they are
// never mutated after creation, only filtered or expired.
type Insight struct {
	ID          string         `json:"id"`
	Type        InsightType    `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"` // always in [0,1]
	Data        map[string]any `json:"data"`
	Timestamp   int64          `json:"timestamp"`
	Actionable  bool           `json:"actionable"`
}

// NewInsight builds an insight with a fresh id and timestamp, clamping
// confidence into [0,1].
func NewInsight(t InsightType, title, description string, confidence float64, data map[string]any, actionable bool) Insight {
	return Insight{
		ID:          NewID("insight"),
		Type:        t,
		Title:       title,
		Description: description,
		Confidence:  ClampConfidence(confidence),
		Data:        data,
		Timestamp:   time.Now().UnixMilli(),
		Actionable:  actionable,
	}
}

// ClampConfidence bounds a score into [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
