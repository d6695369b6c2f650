// Package eta fuses three estimators into one arrival estimate: the static
// timetable, crowd-observed segment durations, and an optional external
// predictor. Any estimator may decline; its weight is redistributed across
// the ones that answered.
package eta

import (
	"context"
	"fmt"
	"time"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
)

// Estimate is the fused arrival estimate served to clients.
type Estimate struct {
	VehicleID    int64     `json:"vehicleId"`
	StopID       int64     `json:"stopId"`
	ETASeconds   float64   `json:"etaSeconds"`
	ETAMinutes   float64   `json:"etaMinutes"`
	ArrivalTime  time.Time `json:"arrivalTime"`
	Confidence   float64   `json:"confidence"`
	LowerSeconds float64   `json:"lowerSeconds"`
	UpperSeconds float64   `json:"upperSeconds"`
	MethodsUsed  []string  `json:"methodsUsed"`
	Weights      Weights   `json:"weights"`
	GeneratedAt  time.Time `json:"generatedAt"`
}

// ErrNoEstimate is returned when no sub-estimator can produce an answer.
var ErrNoEstimate = fmt.Errorf("no estimator could produce an ETA")

// Engine runs the sub-estimators and fuses their opinions.
type Engine struct {
	schedules   ScheduleSource
	progression ProgressionSource
	segments    SegmentSource
	predictor   Predictor
	features    FeatureSource

	now func() time.Time
}

// NewEngine wires a fusion engine. predictor and features may be nil to run
// without the external predictor.
func NewEngine(schedules ScheduleSource, prog ProgressionSource, segments SegmentSource, predictor Predictor, features FeatureSource) *Engine {
	return &Engine{
		schedules:   schedules,
		progression: prog,
		segments:    segments,
		predictor:   predictor,
		features:    features,
		now:         time.Now,
	}
}

// Estimate produces the fused ETA of vehicle toward targetStopID. riderLoc is
// the requesting rider's position, if shared; it only enriches the predictor's
// features. The engine answers whenever at least one sub-estimator has an
// opinion; only a vehicle with no schedule, no confirmed progress, and no
// predictor yields ErrNoEstimate.
func (e *Engine) Estimate(ctx context.Context, vehicle models.Vehicle, targetStopID int64, riderLoc *models.Location) (*Estimate, error) {
	now := e.now()

	last, err := e.progression.LastConfirmedStop(ctx, vehicle.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read progression: %w", err)
	}

	scheduleOp := e.scheduleOpinion(ctx, vehicle, targetStopID, last, now)
	historicalOp := e.historicalOpinion(ctx, vehicle, targetStopID, last, now)
	mlOp := e.mlOpinion(ctx, vehicle, targetStopID, riderLoc)

	if scheduleOp == nil && historicalOp == nil && mlOp == nil {
		return nil, ErrNoEstimate
	}

	var mlConf, minutesSince *float64
	if mlOp != nil {
		mlConf = &mlOp.Confidence
	}
	if last != nil {
		minutesSince = &last.MinutesSince
	}
	w := ComputeWeights(mlConf, minutesSince)

	// Zero out the weight of any estimator that declined, then renormalize
	// so the answering ones carry the whole estimate.
	if mlOp == nil {
		w.ML = 0
	}
	if scheduleOp == nil {
		w.Schedule = 0
	}
	if historicalOp == nil {
		w.Historical = 0
	}
	w = normalize(w)

	var seconds, confidence float64
	var methods []string
	if mlOp != nil && w.ML > 0 {
		seconds += w.ML * mlOp.Seconds
		confidence += w.ML * mlOp.Confidence
		methods = append(methods, "ml")
	}
	if scheduleOp != nil && w.Schedule > 0 {
		seconds += w.Schedule * scheduleOp.Seconds
		confidence += w.Schedule * scheduleOp.Confidence
		methods = append(methods, "schedule")
	}
	if historicalOp != nil && w.Historical > 0 {
		seconds += w.Historical * historicalOp.Seconds
		confidence += w.Historical * historicalOp.Confidence
		methods = append(methods, "historical")
	}
	confidence = clamp(confidence, 0.1, 0.95)

	lower, upper := uncertaintyBand(seconds, confidence)
	return &Estimate{
		VehicleID:    vehicle.ID,
		StopID:       targetStopID,
		ETASeconds:   seconds,
		ETAMinutes:   seconds / 60,
		ArrivalTime:  now.Add(time.Duration(seconds * float64(time.Second))),
		Confidence:   confidence,
		LowerSeconds: lower,
		UpperSeconds: upper,
		MethodsUsed:  methods,
		Weights:      w,
		GeneratedAt:  now,
	}, nil
}

// uncertaintyBand widens with the horizon and narrows with confidence.
func uncertaintyBand(seconds, confidence float64) (lower, upper float64) {
	spread := 0.20
	if seconds > 600 {
		spread = 0.30
	}
	switch {
	case confidence > 0.7:
		spread *= 0.6
	case confidence > 0.5:
		spread *= 0.8
	}
	margin := seconds * spread
	lower = seconds - margin
	if lower < 0 {
		lower = 0
	}
	return lower, seconds + margin
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
