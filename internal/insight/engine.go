// Package insight derives scored observations from batches of telemetry
// events and keeps the append-only store they accumulate in.
package insight

import (
	"log"

	"companion-telemetry/internal/model"
)

// Analyzer inspects a delivered batch and yields zero or more insights.
// Analyzers are pure: they never mutate the events they are given.
type Analyzer interface {
	Name() string
	Analyze(events []model.Event) []model.Insight
}

// Engine runs a set of independent analyzers over a batch. A panicking
// analyzer is logged and skipped; the others still run.
type Engine struct {
	analyzers []Analyzer
}

// NewEngine returns an engine with the default analyzer set.
func NewEngine() *Engine {
	return &Engine{analyzers: []Analyzer{ScreenUsage{}, Interactions{}, Performance{}}}
}

// NewEngineWith returns an engine over a custom analyzer set.
func NewEngineWith(analyzers ...Analyzer) *Engine {
	return &Engine{analyzers: analyzers}
}

// Analyze runs every analyzer over the batch and returns the combined
// insights with confidence clamped into [0,1].
func (e *Engine) Analyze(events []model.Event) []model.Insight {
	var out []model.Insight
	for _, a := range e.analyzers {
		results := runIsolated(a, events)
		for i := range results {
			results[i].Confidence = model.ClampConfidence(results[i].Confidence)
		}
		out = append(out, results...)
	}
	return out
}

func runIsolated(a Analyzer, events []model.Event) (results []model.Insight) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("insight: analyzer %s panicked: %v", a.Name(), r)
			results = nil
		}
	}()
	return a.Analyze(events)
}
