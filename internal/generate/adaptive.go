package generate

import "drillforge/internal/config"

// AdaptiveParams are the parameters for one generation attempt: the
// similarity cutoff for duplicate rejection and the sampling parameters sent
// to the engine.
type AdaptiveParams struct {
	Threshold   float64
	Temperature float64
	TopP        float64
	TopK        int
}

// NextParams computes the parameters for the next attempt from the batch's
// progress (accepted/requested) and the current consecutive-failure count.
// Pure function: all state lives in the caller's loop, so concurrent batches
// never share adaptive counters.
//
// The threshold starts high and relaxes as the batch fills — early items have
// the whole space to themselves, late items inevitably crowd prior ones.
// Stalling relaxes it further, to a floor. Sampling parameters escalate
// monotonically with the stall length to push the engine toward more varied
// output, and snap back to base when an item is accepted (the caller resets
// consecutiveFailures to zero).
func NextParams(progress float64, consecutiveFailures int, tun config.GenerationConfig) AdaptiveParams {
	var threshold float64
	switch {
	case progress < 0.3:
		threshold = tun.ThresholdEarly
	case progress < 0.6:
		threshold = tun.ThresholdMid
	case progress < 0.85:
		threshold = tun.ThresholdLate
	default:
		threshold = tun.ThresholdFinal
	}

	// The deeper relaxation supersedes the first; the steps do not stack.
	switch {
	case consecutiveFailures >= tun.StallAfter:
		threshold = max(tun.StallFloor, threshold-tun.StallStep)
	case consecutiveFailures >= tun.RelaxAfter:
		threshold = max(tun.RelaxFloor, threshold-tun.RelaxStep)
	}

	c := float64(consecutiveFailures)
	return AdaptiveParams{
		Threshold:   threshold,
		Temperature: min(tun.MaxTemperature, tun.BaseTemperature+tun.TemperatureStep*c),
		TopP:        min(tun.MaxTopP, tun.BaseTopP+tun.TopPStep*c),
		TopK:        min(tun.MaxTopK, tun.BaseTopK+tun.TopKStep*consecutiveFailures),
	}
}

// MaxAttempts returns the attempt budget for a batch of the given size.
// Small batches get a generous 3x margin; large ones are capped tighter so a
// pathological batch cannot monopolize a worker slot.
func MaxAttempts(count int) int {
	if count <= 10 {
		return count * 3
	}
	return count * 2
}
