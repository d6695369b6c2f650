// Package quorum turns independent rider reports into confirmed arrivals.
// A report enters a per-(vehicle, stop) sliding window after a proximity
// check; when enough distinct reporters agree inside the window the arrival
// is confirmed, progression advances, and the crowd-observed segment time is
// folded into the running statistics.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/geo"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/ml"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/notify"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/progression"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/store"
)

// Validator policies. Advisory attaches the validator's probability to the
// confirmation; required lets the validator veto it. An unreachable validator
// never blocks either way.
const (
	PolicyOff      = "off"
	PolicyAdvisory = "advisory"
	PolicyRequired = "required"
)

// Status classifies the outcome of one submitted report.
type Status string

const (
	StatusPending          Status = "pending"
	StatusConfirmed        Status = "confirmed"
	StatusAlreadyConfirmed Status = "already_confirmed"
	StatusVetoed           Status = "vetoed"
)

// Result is the coordinator's answer to a submitted report.
type Result struct {
	Status         Status                   `json:"status"`
	ReportCount    int                      `json:"reportCount"`
	Threshold      int                      `json:"threshold"`
	DistanceMeters float64                  `json:"distanceMeters"`
	Probability    *float64                 `json:"probability,omitempty"`
	Arrival        *models.ConfirmedArrival `json:"arrival,omitempty"`
}

// ErrUnknownStop and ErrUnknownVehicle reject reports against missing
// reference data.
var (
	ErrUnknownStop    = errors.New("unknown stop")
	ErrUnknownVehicle = errors.New("unknown vehicle")
)

// OutsideRadiusError rejects a reporter standing too far from the stop.
type OutsideRadiusError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *OutsideRadiusError) Error() string {
	return fmt.Sprintf("reporter is %.0fm from the stop, outside the %.0fm radius",
		e.DistanceMeters, e.RadiusMeters)
}

// Reference is the durable reference and record side of confirmation.
type Reference interface {
	GetStop(ctx context.Context, stopID int64) (*models.Stop, error)
	GetVehicle(ctx context.Context, vehicleID int64) (*models.Vehicle, error)
	GetScheduleForStop(ctx context.Context, vehicleID, stopID int64) (*models.StopSchedule, error)
	InsertArrival(ctx context.Context, a models.ConfirmedArrival) error
}

// Progression records confirmed progress along the route.
type Progression interface {
	LastConfirmedStop(ctx context.Context, vehicleID int64) (*progression.LastConfirmed, error)
	RecordConfirmation(ctx context.Context, vehicleID, stopID int64, confirmedAt time.Time) error
}

// Segments receives crowd-observed travel times.
type Segments interface {
	RecordObserved(ctx context.Context, routeID, fromStopID, toStopID int64, observedSeconds float64) error
}

// Reporters tracks reporter positions and accuracy.
type Reporters interface {
	RecordReport(ctx context.Context, r models.Reporter, claimedAt time.Time) error
	RecordConfirmation(ctx context.Context, reporterID string) error
}

// Validator is the optional arrival validator.
type Validator interface {
	ValidateArrival(ctx context.Context, features ml.Features) *ml.ArrivalValidation
}

// FeatureSource builds the validator's input features.
type FeatureSource interface {
	BuildArrivalFeatures(ctx context.Context, report models.ArrivalReport, stop models.Stop, window []ml.ReportObservation, proximityRadiusM float64) ml.Features
}

// Notifier announces confirmations.
type Notifier interface {
	PublishConfirmation(ev notify.ConfirmationEvent) error
}

// TrainingSink receives labelled confirmation outcomes for model training.
type TrainingSink interface {
	StoreTrainingSample(ctx context.Context, endpoint string, features ml.Features, extra map[string]any)
}

// Config tunes the confirmation rules.
type Config struct {
	Threshold       int           // distinct reporters required
	Window          time.Duration // sliding report window
	ReportTTL       time.Duration // idle lifetime of a pending window
	ConfirmedTTL    time.Duration // suppression period after a confirmation
	ProximityRadius float64       // meters
	ValidatorPolicy string        // off | advisory | required
}

// DefaultConfig matches the deployed rules: 3 reporters in 60 seconds within
// 100 meters.
func DefaultConfig() Config {
	return Config{
		Threshold:       3,
		Window:          60 * time.Second,
		ReportTTL:       120 * time.Second,
		ConfirmedTTL:    300 * time.Second,
		ProximityRadius: 100,
		ValidatorPolicy: PolicyAdvisory,
	}
}

// Coordinator runs the confirmation flow.
type Coordinator struct {
	cfg       Config
	store     store.Store
	ref       Reference
	prog      Progression
	segments  Segments
	reporters Reporters
	validator Validator
	features  FeatureSource
	notifier  Notifier
	trainer   TrainingSink

	now func() time.Time
}

// NewCoordinator wires a coordinator. validator, features, and notifier may
// be nil.
func NewCoordinator(cfg Config, s store.Store, ref Reference, prog Progression, segments Segments, reporters Reporters, validator Validator, features FeatureSource, notifier Notifier) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		store:     s,
		ref:       ref,
		prog:      prog,
		segments:  segments,
		reporters: reporters,
		validator: validator,
		features:  features,
		notifier:  notifier,
		now:       time.Now,
	}
}

// SetTrainer enables fire-and-forget submission of confirmed outcomes back to
// the prediction service.
func (c *Coordinator) SetTrainer(t TrainingSink) {
	c.trainer = t
}

func reportsKey(vehicleID, stopID int64) string {
	return fmt.Sprintf("vehicle:%d:stop:%d:reports", vehicleID, stopID)
}

func confirmedKey(vehicleID, stopID int64) string {
	return fmt.Sprintf("vehicle:%d:stop:%d:confirmed", vehicleID, stopID)
}

// SubmitReport runs one report through proximity check, window accounting,
// and, at quorum, confirmation. Failures of the side channels (reporter
// profiles, durable record, notifications) are logged and absorbed: a rider's
// report must never bounce because a follower system hiccuped.
func (c *Coordinator) SubmitReport(ctx context.Context, report models.ArrivalReport) (*Result, error) {
	vehicle, err := c.ref.GetVehicle(ctx, report.VehicleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load vehicle %d: %w", report.VehicleID, err)
	}
	if vehicle == nil {
		return nil, ErrUnknownVehicle
	}
	stop, err := c.ref.GetStop(ctx, report.StopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stop %d: %w", report.StopID, err)
	}
	if stop == nil {
		return nil, ErrUnknownStop
	}

	within, distance := geo.WithinRadius(report.Reporter.Lat, report.Reporter.Lng, stop.Lat, stop.Lng, c.cfg.ProximityRadius)
	if !within {
		return nil, &OutsideRadiusError{DistanceMeters: distance, RadiusMeters: c.cfg.ProximityRadius}
	}

	// A confirmation already on record suppresses the window entirely until
	// it expires; late stragglers are acknowledged, not re-counted.
	confirmed, err := c.store.Exists(ctx, confirmedKey(report.VehicleID, report.StopID))
	if err != nil {
		return nil, fmt.Errorf("failed to check confirmation flag: %w", err)
	}
	if confirmed {
		return &Result{Status: StatusAlreadyConfirmed, Threshold: c.cfg.Threshold, DistanceMeters: distance}, nil
	}

	cutoff := report.ClaimedAt.Add(-c.cfg.Window).UnixMilli()
	count, err := c.store.WindowAdd(ctx, reportsKey(report.VehicleID, report.StopID),
		store.Member{ID: report.Reporter.ID, Score: report.ClaimedAt.UnixMilli()},
		cutoff, c.cfg.ReportTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to record report: %w", err)
	}

	if err := c.reporters.RecordReport(ctx, report.Reporter, report.ClaimedAt); err != nil {
		log.Printf("Quorum: reporter tracking failed for %s: %v", report.Reporter.ID, err)
	}

	if count < c.cfg.Threshold {
		return &Result{Status: StatusPending, ReportCount: count, Threshold: c.cfg.Threshold, DistanceMeters: distance}, nil
	}

	return c.confirm(ctx, report, *vehicle, *stop, count, distance)
}

func (c *Coordinator) confirm(ctx context.Context, report models.ArrivalReport, vehicle models.Vehicle, stop models.Stop, count int, distance float64) (*Result, error) {
	window, err := c.store.WindowMembers(ctx, reportsKey(report.VehicleID, report.StopID))
	if err != nil {
		return nil, fmt.Errorf("failed to read report window: %w", err)
	}

	validation, features := c.runValidator(ctx, report, stop, window)
	if validation != nil && c.cfg.ValidatorPolicy == PolicyRequired && !validation.Confirm {
		// Veto: the window stays, more reports may still tip it.
		log.Printf("Quorum: validator vetoed vehicle %d at stop %d (p=%.2f)",
			report.VehicleID, report.StopID, validation.Probability)
		return &Result{
			Status:         StatusVetoed,
			ReportCount:    count,
			Threshold:      c.cfg.Threshold,
			DistanceMeters: distance,
			Probability:    &validation.Probability,
		}, nil
	}

	confirmedAt := report.ClaimedAt

	// The flag is claimed with a set-if-absent so that concurrent tipping
	// reports cannot both confirm: exactly one wins, the rest are stragglers.
	// The Exists pre-check in SubmitReport is only a fast path.
	won, err := c.store.SetNX(ctx, confirmedKey(report.VehicleID, report.StopID),
		fmt.Sprintf("%d", confirmedAt.UnixMilli()), c.cfg.ConfirmedTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to set confirmation flag: %w", err)
	}
	if !won {
		return &Result{Status: StatusAlreadyConfirmed, Threshold: c.cfg.Threshold, DistanceMeters: distance}, nil
	}

	// Previous checkpoint, read before progression advances: it anchors the
	// segment observation.
	prev, err := c.prog.LastConfirmedStop(ctx, report.VehicleID)
	if err != nil {
		log.Printf("Quorum: failed to read previous checkpoint: %v", err)
		prev = nil
	}
	if err := c.prog.RecordConfirmation(ctx, report.VehicleID, report.StopID, confirmedAt); err != nil {
		return nil, fmt.Errorf("failed to advance progression: %w", err)
	}

	if prev != nil && prev.StopID != report.StopID {
		c.recordSegment(ctx, vehicle.RouteID, prev, report.StopID, confirmedAt)
	}

	for _, m := range window {
		if err := c.reporters.RecordConfirmation(ctx, m.ID); err != nil {
			log.Printf("Quorum: reporter confirmation tracking failed for %s: %v", m.ID, err)
		}
	}

	arrival := c.buildArrival(ctx, report, count, validation, confirmedAt)
	if err := c.ref.InsertArrival(ctx, arrival); err != nil {
		log.Printf("Quorum: durable arrival record failed: %v", err)
	}

	if err := c.store.Delete(ctx, reportsKey(report.VehicleID, report.StopID)); err != nil {
		log.Printf("Quorum: failed to clear report window: %v", err)
	}

	if c.notifier != nil {
		if err := c.notifier.PublishConfirmation(notify.ConfirmationEvent{
			VehicleID:   report.VehicleID,
			StopID:      report.StopID,
			ReportCount: count,
			ConfirmedAt: confirmedAt,
		}); err != nil {
			log.Printf("Quorum: confirmation publish failed: %v", err)
		}
	}

	// Confirmed outcomes feed the validator's training set.
	if c.trainer != nil && features != nil {
		go c.trainer.StoreTrainingSample(context.WithoutCancel(ctx), "/training/arrival", features, map[string]any{
			"confirmed":    true,
			"report_count": count,
		})
	}

	result := &Result{
		Status:         StatusConfirmed,
		ReportCount:    count,
		Threshold:      c.cfg.Threshold,
		DistanceMeters: distance,
		Arrival:        &arrival,
	}
	if validation != nil {
		result.Probability = &validation.Probability
	}
	return result, nil
}

// runValidator consults the arrival validator per the configured policy. A
// nil validation means "no judgement": the validator is off, unconfigured, or
// down. The built features are returned alongside for training feedback.
func (c *Coordinator) runValidator(ctx context.Context, report models.ArrivalReport, stop models.Stop, window []store.Member) (*ml.ArrivalValidation, ml.Features) {
	if c.cfg.ValidatorPolicy == PolicyOff || c.validator == nil || c.features == nil {
		return nil, nil
	}
	obs := make([]ml.ReportObservation, len(window))
	for i, m := range window {
		obs[i] = ml.ReportObservation{ReporterID: m.ID, ReportedAt: time.UnixMilli(m.Score)}
	}
	features := c.features.BuildArrivalFeatures(ctx, report, stop, obs, c.cfg.ProximityRadius)
	v := c.validator.ValidateArrival(ctx, features)
	if v == nil {
		log.Printf("Quorum: validator unavailable for vehicle %d at stop %d, policy %s proceeds without it",
			report.VehicleID, report.StopID, c.cfg.ValidatorPolicy)
	}
	return v, features
}

// recordSegment folds the implied travel time from the previous checkpoint
// into the segment statistics. Implausible gaps (layovers, overnight parking)
// are skipped by the estimator.
func (c *Coordinator) recordSegment(ctx context.Context, routeID int64, prev *progression.LastConfirmed, toStopID int64, confirmedAt time.Time) {
	implied := confirmedAt.Sub(prev.ConfirmedAt).Seconds()
	if err := c.segments.RecordObserved(ctx, routeID, prev.StopID, toStopID, implied); err != nil {
		log.Printf("Quorum: segment observation %d->%d skipped: %v", prev.StopID, toStopID, err)
	}
}

func (c *Coordinator) buildArrival(ctx context.Context, report models.ArrivalReport, count int, validation *ml.ArrivalValidation, confirmedAt time.Time) models.ConfirmedArrival {
	arrival := models.ConfirmedArrival{
		ID:           uuid.NewString(),
		VehicleID:    report.VehicleID,
		StopID:       report.StopID,
		ReportCount:  count,
		TrafficLevel: string(report.TrafficLevel),
		EventNearby:  report.EventNearby,
		ArrivedAt:    confirmedAt,
	}
	if validation != nil {
		arrival.Probability = &validation.Probability
	}
	if sched, err := c.ref.GetScheduleForStop(ctx, report.VehicleID, report.StopID); err == nil && sched != nil {
		if t := ml.NearestScheduledTime(sched.ArrivalTime, confirmedAt); t != nil {
			arrival.ScheduledTime = t
			delay := confirmedAt.Sub(*t).Seconds()
			arrival.DelaySeconds = &delay
		}
	}
	return arrival
}
