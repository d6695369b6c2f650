package eta

import (
	"context"
	"log"
	"time"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/ml"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/progression"
)

// Opinion is one sub-estimator's answer: an ETA in seconds with the
// estimator's own confidence in it. A nil *Opinion means no answer.
type Opinion struct {
	Seconds    float64
	Confidence float64
}

// ScheduleSource provides scheduled arrival times.
type ScheduleSource interface {
	GetScheduleForStop(ctx context.Context, vehicleID, stopID int64) (*models.StopSchedule, error)
}

// ProgressionSource exposes a vehicle's confirmed progression.
type ProgressionSource interface {
	LastConfirmedStop(ctx context.Context, vehicleID int64) (*progression.LastConfirmed, error)
	RemainingStops(ctx context.Context, vehicleID, targetStopID int64) ([]models.Stop, error)
}

// SegmentSource estimates per-segment travel times.
type SegmentSource interface {
	SegmentTime(ctx context.Context, routeID, fromStopID, toStopID int64) float64
}

// Predictor is the external prediction service.
type Predictor interface {
	PredictETA(ctx context.Context, features ml.Features) *ml.ETAPrediction
}

// FeatureSource builds the predictor's input features.
type FeatureSource interface {
	BuildETAFeatures(ctx context.Context, vehicle models.Vehicle, targetStopID int64, riderLoc *models.Location) ml.Features
}

// scheduleOpinion estimates from the static timetable: seconds until the next
// scheduled arrival at the target, shifted by the vehicle's known delay at its
// last confirmed stop. Baseline confidence, a bit higher when real delay data
// shifts it.
func (e *Engine) scheduleOpinion(ctx context.Context, vehicle models.Vehicle, targetStopID int64, last *progression.LastConfirmed, now time.Time) *Opinion {
	sched, err := e.schedules.GetScheduleForStop(ctx, vehicle.ID, targetStopID)
	if err != nil {
		log.Printf("ETA: schedule lookup for stop %d failed: %v", targetStopID, err)
		return nil
	}
	if sched == nil {
		return nil
	}
	scheduledAt := ml.NearestScheduledTime(sched.ArrivalTime, now)
	if scheduledAt == nil {
		return nil
	}

	op := &Opinion{Confidence: 0.2}
	if delay, ok := e.knownDelay(ctx, vehicle, last); ok {
		scheduled := scheduledAt.Add(time.Duration(delay * float64(time.Second)))
		scheduledAt = &scheduled
		op.Confidence = 0.4
	}

	op.Seconds = scheduledAt.Sub(now).Seconds()
	if op.Seconds < 0 {
		op.Seconds = 0
	}
	return op
}

// knownDelay is the vehicle's delay in seconds at its last confirmed stop,
// from the timetable entry for that stop.
func (e *Engine) knownDelay(ctx context.Context, vehicle models.Vehicle, last *progression.LastConfirmed) (float64, bool) {
	if last == nil {
		return 0, false
	}
	sched, err := e.schedules.GetScheduleForStop(ctx, vehicle.ID, last.StopID)
	if err != nil || sched == nil {
		return 0, false
	}
	scheduledAt := ml.NearestScheduledTime(sched.ArrivalTime, last.ConfirmedAt)
	if scheduledAt == nil {
		return 0, false
	}
	return last.ConfirmedAt.Sub(*scheduledAt).Seconds(), true
}

// historicalOpinion estimates from crowd-observed segment durations: the sum
// over remaining segments starting at the last confirmed stop, minus the time
// already spent since that confirmation. Requires a confirmed checkpoint;
// confidence decays stepwise with the checkpoint's age.
func (e *Engine) historicalOpinion(ctx context.Context, vehicle models.Vehicle, targetStopID int64, last *progression.LastConfirmed, now time.Time) *Opinion {
	if last == nil {
		return nil
	}
	remaining, err := e.progression.RemainingStops(ctx, vehicle.ID, targetStopID)
	if err != nil {
		log.Printf("ETA: remaining stops for vehicle %d: %v", vehicle.ID, err)
		return nil
	}
	if len(remaining) == 0 {
		return nil
	}

	var total float64
	from := last.StopID
	for _, s := range remaining {
		total += e.segments.SegmentTime(ctx, vehicle.RouteID, from, s.ID)
		from = s.ID
	}

	elapsed := now.Sub(last.ConfirmedAt).Seconds()
	seconds := total - elapsed
	if seconds < 0 {
		seconds = 0
	}
	return &Opinion{Seconds: seconds, Confidence: historicalConfidence(last.MinutesSince)}
}

// historicalConfidence steps down with the age of the last confirmation.
func historicalConfidence(minutesSince float64) float64 {
	switch {
	case minutesSince < 5:
		return 0.9
	case minutesSince < 10:
		return 0.7
	case minutesSince < 20:
		return 0.5
	case minutesSince < 30:
		return 0.3
	default:
		return 0.1
	}
}

// mlOpinion delegates to the external predictor. Nil whenever the predictor
// is disabled, unreachable, or declines to answer.
func (e *Engine) mlOpinion(ctx context.Context, vehicle models.Vehicle, targetStopID int64, riderLoc *models.Location) *Opinion {
	if e.predictor == nil || e.features == nil {
		return nil
	}
	pred := e.predictor.PredictETA(ctx, e.features.BuildETAFeatures(ctx, vehicle, targetStopID, riderLoc))
	if pred == nil {
		return nil
	}
	return &Opinion{Seconds: pred.ETASeconds, Confidence: pred.Confidence}
}
