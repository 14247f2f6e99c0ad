package insight

import (
	"encoding/json"
	"fmt"

	"companion-telemetry/internal/model"
)

// Thresholds carried over from the source behavior: an analyzer only speaks
// when it has enough evidence.
const (
	minScreenViews    = 5
	minInteractions   = 10
	slowThresholdMS   = 1000.0
	slowShareTrigger  = 0.3
	screenConfDivisor = 10.0
	interConfDivisor  = 20.0
)

// ScreenUsage finds the most viewed screen in a batch and reports a behavior
// insight when it dominates.
type ScreenUsage struct{}

func (ScreenUsage) Name() string { return "screen_usage" }

func (ScreenUsage) Analyze(events []model.Event) []model.Insight {
	counts := map[string]int{}
	for _, evt := range events {
		if evt.Type != model.EventScreenView {
			continue
		}
		screen, ok := evt.Data["screen"].(string)
		if !ok {
			continue
		}
		counts[screen]++
	}
	screen, count := maxCount(counts)
	if count <= minScreenViews {
		return nil
	}
	return []model.Insight{model.NewInsight(
		model.InsightBehavior,
		"Most Used Screen",
		fmt.Sprintf("You spend most of your time on the %s screen", screen),
		float64(count)/screenConfDivisor,
		map[string]any{"screen": screen, "count": count},
		true,
	)}
}

// Interactions finds the dominant interaction type and reports an engagement
// insight when it repeats often enough.
type Interactions struct{}

func (Interactions) Name() string { return "interactions" }

func (Interactions) Analyze(events []model.Event) []model.Insight {
	counts := map[string]int{}
	for _, evt := range events {
		if evt.Type != model.EventUserInteraction {
			continue
		}
		kind, ok := evt.Data["interactionType"].(string)
		if !ok {
			continue
		}
		counts[kind]++
	}
	kind, count := maxCount(counts)
	if count <= minInteractions {
		return nil
	}
	return []model.Insight{model.NewInsight(
		model.InsightEngagement,
		"Preferred Interaction",
		fmt.Sprintf("You frequently use %s interactions", kind),
		float64(count)/interConfDivisor,
		map[string]any{"interaction": kind, "count": count},
		true,
	)}
}

// Performance groups performance samples by metric and flags any metric whose
// slow share exceeds the trigger. One insight per slow metric.
type Performance struct{}

func (Performance) Name() string { return "performance" }

func (Performance) Analyze(events []model.Event) []model.Insight {
	samples := map[string][]float64{}
	for _, evt := range events {
		if evt.Type != model.EventPerformance {
			continue
		}
		metric, ok := evt.Data["metric"].(string)
		if !ok {
			continue
		}
		value, ok := toFloat(evt.Data["value"])
		if !ok {
			continue
		}
		samples[metric] = append(samples[metric], value)
	}

	var out []model.Insight
	for metric, values := range samples {
		var sum float64
		slow := 0
		for _, v := range values {
			sum += v
			if v > slowThresholdMS {
				slow++
			}
		}
		total := len(values)
		if float64(slow) <= float64(total)*slowShareTrigger {
			continue
		}
		avg := sum / float64(total)
		out = append(out, model.NewInsight(
			model.InsightPerformance,
			"Performance Issue Detected",
			fmt.Sprintf("%s is running slowly (avg: %.2fms)", metric, avg),
			float64(slow)/float64(total),
			map[string]any{"metric": metric, "average": avg, "slowCount": slow, "totalCount": total},
			true,
		))
	}
	return out
}

func maxCount(counts map[string]int) (string, int) {
	best, bestCount := "", 0
	for key, count := range counts {
		if count > bestCount {
			best, bestCount = key, count
		}
	}
	return best, bestCount
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
