package enrich

import (
	"math"
	"strings"
)

// Timing is the model's suggested outreach window.
type Timing string

const (
	TimingImmediate Timing = "immediate"
	TimingThisWeek  Timing = "this_week"
	TimingThisMonth Timing = "this_month"
)

const (
	heuristicWeight = 0.4
	modelWeight     = 0.6
)

// ParseTiming normalizes a model-reported timing, defaulting unknown values
// to the neutral window.
func ParseTiming(raw string) Timing {
	switch Timing(strings.ToLower(strings.TrimSpace(raw))) {
	case TimingImmediate:
		return TimingImmediate
	case TimingThisWeek:
		return TimingThisWeek
	case TimingThisMonth:
		return TimingThisMonth
	default:
		return TimingThisWeek
	}
}

func (t Timing) multiplier() float64 {
	switch t {
	case TimingImmediate:
		return 1.2
	case TimingThisMonth:
		return 0.8
	default:
		return 1.0
	}
}

// BlendScore combines the heuristic and model urgency with fixed 40/60
// weights, applies the timing multiplier, and clamps to the 1..10 integer
// scale. Pure and total: any inputs yield a valid score.
func BlendScore(heuristic, model int, timing Timing) int {
	weighted := heuristicWeight*float64(heuristic) + modelWeight*float64(model)
	adjusted := weighted * timing.multiplier()
	rounded := int(math.Round(adjusted))
	if rounded < 1 {
		return 1
	}
	if rounded > 10 {
		return 10
	}
	return rounded
}
