package eta

import "math"

// Weights is the normalized contribution of each sub-estimator to the fused
// ETA. The three components always sum to 1.
type Weights struct {
	ML         float64 `json:"ml"`
	Schedule   float64 `json:"schedule"`
	Historical float64 `json:"historical"`
}

// ComputeWeights derives fusion weights from the predictor's confidence and
// the age of the last confirmed stop. Either input may be absent:
//
//   - no confirmation ever: the schedule dominates, crowd history gets a
//     small share, the predictor none;
//   - no predictor opinion: the split between history and schedule follows
//     the checkpoint's age, fresher checkpoints favoring history;
//   - both present: a trust score sqrt(confidence * freshness) drives a
//     logistic ramp for the predictor and a linear fade for the schedule.
func ComputeWeights(mlConfidence *float64, minutesSinceCheckpoint *float64) Weights {
	if minutesSinceCheckpoint == nil {
		return Weights{Schedule: 0.8, Historical: 0.2}
	}
	minutes := math.Max(0, *minutesSinceCheckpoint)

	if mlConfidence == nil {
		ageFactor := math.Exp(-minutes / 15)
		historical := 0.3 + 0.4*ageFactor
		return Weights{Schedule: 1 - historical, Historical: historical}
	}

	freshness := math.Exp(-minutes / 10)
	trust := math.Sqrt(*mlConfidence * freshness)

	mlW := 0.70 / (1 + math.Exp(-8*(trust-0.5)))
	schedW := 0.05 + 0.65*(1-trust)
	histW := math.Max(0, 1-mlW-schedW)

	return normalize(Weights{ML: mlW, Schedule: schedW, Historical: histW})
}

// normalize rescales weights to sum to 1, falling back to schedule-only when
// everything has been zeroed out.
func normalize(w Weights) Weights {
	sum := w.ML + w.Schedule + w.Historical
	if sum <= 0 {
		return Weights{Schedule: 1}
	}
	return Weights{
		ML:         w.ML / sum,
		Schedule:   w.Schedule / sum,
		Historical: w.Historical / sum,
	}
}
