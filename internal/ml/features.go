package ml

import (
	"context"
	"log"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/geo"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/progression"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/weather"
)

const (
	onTimeThresholdSeconds = 120.0
	rushHourMorningStart   = 7
	rushHourMorningEnd     = 9
	rushHourEveningStart   = 17
	rushHourEveningEnd     = 19
)

// HistorySource is the durable-history side of feature building.
type HistorySource interface {
	GetStop(ctx context.Context, stopID int64) (*models.Stop, error)
	GetScheduleForStop(ctx context.Context, vehicleID, stopID int64) (*models.StopSchedule, error)
	RecentDelays(ctx context.Context, vehicleID int64, limit int) ([]float64, error)
	AverageDelaySince(ctx context.Context, vehicleID int64, since time.Time) (*float64, error)
	OnTimeRate(ctx context.Context, vehicleID int64, since time.Time, onTimeThresholdSeconds float64) (int, int, error)
	StopAverageDelay(ctx context.Context, stopID int64) (*float64, error)
}

// ProgressionSource exposes a vehicle's confirmed progression.
type ProgressionSource interface {
	LastConfirmedStop(ctx context.Context, vehicleID int64) (*progression.LastConfirmed, error)
	PreviousArrivalAt(ctx context.Context, vehicleID int64) (*time.Time, error)
	RemainingStops(ctx context.Context, vehicleID, targetStopID int64) ([]models.Stop, error)
}

// SegmentSource estimates per-segment travel times.
type SegmentSource interface {
	SegmentTime(ctx context.Context, routeID, fromStopID, toStopID int64) float64
}

// WeatherSource provides current conditions for a location.
type WeatherSource interface {
	GetImpact(ctx context.Context, lat, lng float64) weather.Impact
}

// ReporterSource exposes reporter profiles and last positions.
type ReporterSource interface {
	Profile(ctx context.Context, reporterID string) (models.ReporterProfile, error)
	Position(ctx context.Context, reporterID string) (*models.Location, error)
}

// ReportObservation is one report inside the pending-confirmation window, as
// seen by the arrival validator.
type ReportObservation struct {
	ReporterID string
	ReportedAt time.Time
}

// FeatureBuilder assembles the flat feature maps sent to the predictor.
type FeatureBuilder struct {
	history     HistorySource
	progression ProgressionSource
	segments    SegmentSource
	weather     WeatherSource
	reporters   ReporterSource

	now func() time.Time
}

// NewFeatureBuilder wires a feature builder over the service's data sources.
func NewFeatureBuilder(history HistorySource, prog ProgressionSource, segments SegmentSource, w WeatherSource, reporters ReporterSource) *FeatureBuilder {
	return &FeatureBuilder{
		history:     history,
		progression: prog,
		segments:    segments,
		weather:     w,
		reporters:   reporters,
		now:         time.Now,
	}
}

// BuildETAFeatures assembles the feature map for an ETA prediction of vehicle
// toward targetStopID. riderLoc is the requesting rider's position when
// shared. Missing data degrades to neutral values; the builder never fails.
func (b *FeatureBuilder) BuildETAFeatures(ctx context.Context, vehicle models.Vehicle, targetStopID int64, riderLoc *models.Location) Features {
	now := b.now()
	f := Features{
		"vehicle_id":         vehicle.ID,
		"route_id":           vehicle.RouteID,
		"target_stop_id":     targetStopID,
		"prediction_made_at": now.UnixMilli(),
	}
	b.addTemporal(f, now)

	last, err := b.progression.LastConfirmedStop(ctx, vehicle.ID)
	if err != nil {
		log.Printf("ML: feature build: last confirmed stop: %v", err)
	}
	b.addFreshness(f, last)
	if last != nil {
		if prev, err := b.progression.PreviousArrivalAt(ctx, vehicle.ID); err == nil && prev != nil {
			f["seconds_between_last_two_checkpoints"] = last.ConfirmedAt.Sub(*prev).Seconds()
		}
	}
	b.addDelayHistory(ctx, f, vehicle, last, now)
	b.addSegments(ctx, f, vehicle, last, targetStopID)
	b.addStopContext(ctx, f, targetStopID, riderLoc)
	return f
}

// BuildArrivalFeatures assembles the feature map for validating a
// quorum-satisfied arrival at stop, from the reports inside the window.
func (b *FeatureBuilder) BuildArrivalFeatures(ctx context.Context, report models.ArrivalReport, stop models.Stop, window []ReportObservation, proximityRadiusM float64) Features {
	now := b.now()
	f := Features{
		"vehicle_id":    report.VehicleID,
		"stop_id":       report.StopID,
		"traffic_level": report.TrafficLevel.Encode(),
		"event_nearby":  boolFeature(report.EventNearby),
	}
	b.addTemporal(f, now)

	f["report_count"] = len(window)
	f["unique_reporters"] = countUniqueReporters(window)
	span := windowSpanSeconds(window)
	f["report_span_seconds"] = span
	if span > 0 {
		f["reports_per_minute"] = float64(len(window)) / (span / 60)
	} else {
		f["reports_per_minute"] = float64(len(window))
	}

	b.addReporterStats(ctx, f, stop, window, proximityRadiusM)

	if last, err := b.progression.LastConfirmedStop(ctx, report.VehicleID); err == nil && last != nil {
		f["minutes_since_previous_arrival"] = report.ClaimedAt.Sub(last.ConfirmedAt).Minutes()
	} else {
		f["minutes_since_previous_arrival"] = -1.0
	}

	b.addWeather(ctx, f, stop.Lat, stop.Lng)
	return f
}

func (b *FeatureBuilder) addTemporal(f Features, now time.Time) {
	hour := now.Hour()
	dow := int(now.Weekday())
	f["hour_of_day"] = hour
	f["day_of_week"] = dow
	f["is_weekend"] = boolFeature(dow == 0 || dow == 6)
	f["is_rush_hour"] = boolFeature(
		(hour >= rushHourMorningStart && hour <= rushHourMorningEnd) ||
			(hour >= rushHourEveningStart && hour <= rushHourEveningEnd))
}

func (b *FeatureBuilder) addFreshness(f Features, last *progression.LastConfirmed) {
	if last == nil {
		f["has_checkpoint"] = 0.0
		f["minutes_since_last_checkpoint"] = -1.0
		f["checkpoint_freshness_score"] = 0.0
		f["checkpoint_age_penalty"] = 1.0
		return
	}
	f["has_checkpoint"] = 1.0
	f["minutes_since_last_checkpoint"] = last.MinutesSince
	f["checkpoint_freshness_score"] = FreshnessScore(last.MinutesSince)
	f["checkpoint_age_penalty"] = math.Min(1, last.MinutesSince/30)
	f["last_checkpoint_stop_id"] = last.StopID
}

func (b *FeatureBuilder) addDelayHistory(ctx context.Context, f Features, vehicle models.Vehicle, last *progression.LastConfirmed, now time.Time) {
	f["current_delay_seconds"] = 0.0
	if last != nil {
		if sched, err := b.history.GetScheduleForStop(ctx, vehicle.ID, last.StopID); err == nil && sched != nil {
			if t := NearestScheduledTime(sched.ArrivalTime, last.ConfirmedAt); t != nil {
				f["current_delay_seconds"] = last.ConfirmedAt.Sub(*t).Seconds()
			}
		}
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	f["avg_delay_today"] = 0.0
	if avg, err := b.history.AverageDelaySince(ctx, vehicle.ID, startOfDay); err == nil && avg != nil {
		f["avg_delay_today"] = *avg
	}

	f["delay_trend"] = 0.0
	if delays, err := b.history.RecentDelays(ctx, vehicle.ID, 3); err == nil && len(delays) >= 2 {
		// Delays arrive newest first; positive trend means the vehicle is
		// falling further behind.
		f["delay_trend"] = delays[0] - delays[len(delays)-1]
	}

	f["on_time_rate_24h"] = rateFeature(b.history.OnTimeRate(ctx, vehicle.ID, now.Add(-24*time.Hour), onTimeThresholdSeconds))
	f["on_time_rate_7d"] = rateFeature(b.history.OnTimeRate(ctx, vehicle.ID, now.Add(-7*24*time.Hour), onTimeThresholdSeconds))
}

func (b *FeatureBuilder) addSegments(ctx context.Context, f Features, vehicle models.Vehicle, last *progression.LastConfirmed, targetStopID int64) {
	remaining, err := b.progression.RemainingStops(ctx, vehicle.ID, targetStopID)
	if err != nil {
		log.Printf("ML: feature build: remaining stops: %v", err)
	}
	f["stops_remaining"] = len(remaining)
	if len(remaining) == 0 {
		return
	}

	var times []float64
	from := int64(0)
	if last != nil {
		from = last.StopID
	}
	for _, s := range remaining {
		if from != 0 {
			times = append(times, b.segments.SegmentTime(ctx, vehicle.RouteID, from, s.ID))
		}
		from = s.ID
	}
	if len(times) == 0 {
		return
	}

	var total float64
	for _, t := range times {
		total += t
	}
	f["total_segment_seconds"] = total
	f["avg_segment_seconds"] = stat.Mean(times, nil)
	if len(times) > 1 {
		f["stddev_segment_seconds"] = stat.StdDev(times, nil)
	} else {
		f["stddev_segment_seconds"] = 0.0
	}
	min, max := times[0], times[0]
	for _, t := range times[1:] {
		min = math.Min(min, t)
		max = math.Max(max, t)
	}
	f["min_segment_seconds"] = min
	f["max_segment_seconds"] = max
}

func (b *FeatureBuilder) addStopContext(ctx context.Context, f Features, stopID int64, riderLoc *models.Location) {
	f["typical_delay_this_stop"] = 0.0
	if avg, err := b.history.StopAverageDelay(ctx, stopID); err == nil && avg != nil {
		f["typical_delay_this_stop"] = *avg
	}
	f["has_rider_location"] = boolFeature(riderLoc != nil)
	if stop, err := b.history.GetStop(ctx, stopID); err == nil && stop != nil {
		f["stop_sequence"] = stop.Sequence
		if riderLoc != nil {
			f["rider_distance_to_stop_m"] = geo.DistanceMeters(riderLoc.Lat, riderLoc.Lng, stop.Lat, stop.Lng)
		}
		b.addWeather(ctx, f, stop.Lat, stop.Lng)
	}
}

func (b *FeatureBuilder) addWeather(ctx context.Context, f Features, lat, lng float64) {
	impact := b.weather.GetImpact(ctx, lat, lng)
	f["weather_rain_1h"] = impact.Rain1h
	f["weather_snow_1h"] = impact.Snow1h
	f["weather_temperature"] = impact.Temperature
	f["weather_wind_speed"] = impact.WindSpeed
	f["weather_humidity"] = impact.Humidity
	f["weather_visibility_m"] = impact.VisibilityM
	f["weather_delay_multiplier"] = impact.DelayMultiplier
	for k, v := range weather.EncodeCondition(impact.Condition) {
		f[k] = v
	}
}

func (b *FeatureBuilder) addReporterStats(ctx context.Context, f Features, stop models.Stop, window []ReportObservation, radiusM float64) {
	var distances, accuracies []float64
	withinRadius := 0
	for _, obs := range window {
		if pos, err := b.reporters.Position(ctx, obs.ReporterID); err == nil && pos != nil {
			d := geo.DistanceMeters(pos.Lat, pos.Lng, stop.Lat, stop.Lng)
			distances = append(distances, d)
			if d <= radiusM {
				withinRadius++
			}
		}
		if p, err := b.reporters.Profile(ctx, obs.ReporterID); err == nil {
			accuracies = append(accuracies, p.Accuracy)
		}
	}

	f["reporter_distance_mean"] = meanOrZero(distances)
	f["reporter_distance_median"] = medianOrZero(distances)
	if len(distances) > 1 {
		f["reporter_distance_stddev"] = stat.StdDev(distances, nil)
	} else {
		f["reporter_distance_stddev"] = 0.0
	}
	if len(distances) > 0 {
		f["pct_within_radius"] = float64(withinRadius) / float64(len(distances))
	} else {
		f["pct_within_radius"] = 0.0
	}
	f["reporter_accuracy_mean"] = meanOrZero(accuracies)
}

// FreshnessScore decays confidence in the last checkpoint with its age:
// exp(-minutes/10), so a 10-minute-old confirmation scores about 0.37.
func FreshnessScore(minutesSince float64) float64 {
	if minutesSince < 0 {
		return 0
	}
	return math.Exp(-minutesSince / 10)
}

// NearestScheduledTime resolves a wall-clock "15:04:05" schedule entry to the
// concrete instant closest to reference, so arrivals near midnight land on
// the right day.
func NearestScheduledTime(arrivalTime string, reference time.Time) *time.Time {
	clock, err := time.Parse("15:04:05", arrivalTime)
	if err != nil {
		return nil
	}
	candidate := time.Date(reference.Year(), reference.Month(), reference.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, reference.Location())
	if diff := candidate.Sub(reference); diff > 12*time.Hour {
		candidate = candidate.AddDate(0, 0, -1)
	} else if diff < -12*time.Hour {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return &candidate
}

func countUniqueReporters(window []ReportObservation) int {
	seen := make(map[string]struct{}, len(window))
	for _, obs := range window {
		seen[obs.ReporterID] = struct{}{}
	}
	return len(seen)
}

func windowSpanSeconds(window []ReportObservation) float64 {
	if len(window) < 2 {
		return 0
	}
	first, last := window[0].ReportedAt, window[0].ReportedAt
	for _, obs := range window[1:] {
		if obs.ReportedAt.Before(first) {
			first = obs.ReportedAt
		}
		if obs.ReportedAt.After(last) {
			last = obs.ReportedAt
		}
	}
	return last.Sub(first).Seconds()
}

func meanOrZero(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func medianOrZero(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func rateFeature(onTime, total int, err error) float64 {
	if err != nil || total == 0 {
		return 0.5
	}
	return float64(onTime) / float64(total)
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
