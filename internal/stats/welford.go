package stats

import "math"

// WelfordState holds running statistics using Welford's online algorithm.
// This allows computing mean and standard deviation incrementally in O(1) time
// and space, without storing all observations.
type WelfordState struct {
	Count int     // n - number of observations
	Mean  float64 // running mean
	M2    float64 // sum of squared differences from mean (for variance)
}

// NewWelfordState creates a Welford state from previously persisted statistics,
// so incremental updates can resume after a restart. The segment_times table
// stores (mean, stddev, count); M2 is reconstructed from those.
func NewWelfordState(mean, stddev float64, count int) *WelfordState {
	if count == 0 {
		return &WelfordState{}
	}
	// stddev = sqrt(M2 / n), so M2 = stddev^2 * n
	variance := stddev * stddev
	m2 := variance * float64(count)
	return &WelfordState{
		Count: count,
		Mean:  mean,
		M2:    m2,
	}
}

// Update adds a new observation. Numerically stable under long-running
// accumulation; never requires revisiting raw history.
func (w *WelfordState) Update(value float64) {
	w.Count++
	delta := value - w.Mean
	w.Mean += delta / float64(w.Count)
	delta2 := value - w.Mean
	w.M2 += delta * delta2
}

// StdDev returns the population standard deviation.
// Returns 0 if fewer than 2 observations.
func (w *WelfordState) StdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}
