package ml

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/progression"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/weather"
)

type fakeHistory struct {
	stop     *models.Stop
	schedule *models.StopSchedule
	delays   []float64
	avgDelay *float64
	onTime   int
	total    int
	stopAvg  *float64
}

func (f *fakeHistory) GetStop(context.Context, int64) (*models.Stop, error) { return f.stop, nil }
func (f *fakeHistory) GetScheduleForStop(context.Context, int64, int64) (*models.StopSchedule, error) {
	return f.schedule, nil
}
func (f *fakeHistory) RecentDelays(context.Context, int64, int) ([]float64, error) {
	return f.delays, nil
}
func (f *fakeHistory) AverageDelaySince(context.Context, int64, time.Time) (*float64, error) {
	return f.avgDelay, nil
}
func (f *fakeHistory) OnTimeRate(context.Context, int64, time.Time, float64) (int, int, error) {
	return f.onTime, f.total, nil
}
func (f *fakeHistory) StopAverageDelay(context.Context, int64) (*float64, error) {
	return f.stopAvg, nil
}

type fakeProgression struct {
	last      *progression.LastConfirmed
	prev      *time.Time
	remaining []models.Stop
}

func (f *fakeProgression) LastConfirmedStop(context.Context, int64) (*progression.LastConfirmed, error) {
	return f.last, nil
}
func (f *fakeProgression) PreviousArrivalAt(context.Context, int64) (*time.Time, error) {
	return f.prev, nil
}
func (f *fakeProgression) RemainingStops(context.Context, int64, int64) ([]models.Stop, error) {
	return f.remaining, nil
}

type fakeSegments struct{ seconds float64 }

func (f *fakeSegments) SegmentTime(context.Context, int64, int64, int64) float64 {
	return f.seconds
}

type fakeWeather struct{}

func (fakeWeather) GetImpact(context.Context, float64, float64) weather.Impact {
	return weather.DefaultImpact()
}

type fakeReporters struct {
	profiles  map[string]models.ReporterProfile
	positions map[string]*models.Location
}

func (f *fakeReporters) Profile(_ context.Context, id string) (models.ReporterProfile, error) {
	return f.profiles[id], nil
}
func (f *fakeReporters) Position(_ context.Context, id string) (*models.Location, error) {
	return f.positions[id], nil
}

func newTestBuilder(h *fakeHistory, p *fakeProgression, s *fakeSegments, r *fakeReporters, now time.Time) *FeatureBuilder {
	if r == nil {
		r = &fakeReporters{}
	}
	b := NewFeatureBuilder(h, p, s, fakeWeather{}, r)
	b.now = func() time.Time { return now }
	return b
}

func TestBuildETAFeatures(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC) // Tuesday, morning rush
	avg := 45.0
	h := &fakeHistory{
		stop:     &models.Stop{ID: 14, Sequence: 14, Lat: 41.4, Lng: 2.17},
		schedule: &models.StopSchedule{ArrivalTime: "08:20:00"},
		delays:   []float64{90, 60, 30},
		avgDelay: &avg,
		onTime:   8,
		total:    10,
	}
	prev := now.Add(-9 * time.Minute)
	p := &fakeProgression{
		last: &progression.LastConfirmed{
			StopID:       10,
			ConfirmedAt:  now.Add(-4 * time.Minute),
			MinutesSince: 4,
		},
		prev:      &prev,
		remaining: []models.Stop{{ID: 11}, {ID: 12}, {ID: 13}, {ID: 14}},
	}
	b := newTestBuilder(h, p, &fakeSegments{seconds: 120}, nil, now)

	rider := &models.Location{Lat: 41.4001, Lng: 2.17} // ~11m from stop 14
	f := b.BuildETAFeatures(context.Background(), models.Vehicle{ID: 7, RouteID: 3}, 14, rider)

	assert.Equal(t, 4, f["stops_remaining"])
	assert.Equal(t, 480.0, f["total_segment_seconds"])
	assert.Equal(t, 120.0, f["avg_segment_seconds"])
	assert.Equal(t, 0.0, f["stddev_segment_seconds"])
	assert.InDelta(t, math.Exp(-0.4), f["checkpoint_freshness_score"], 1e-9)
	assert.Equal(t, 4.0, f["minutes_since_last_checkpoint"])
	assert.Equal(t, 300.0, f["seconds_between_last_two_checkpoints"])
	// Confirmed 08:26, scheduled 08:20 -> 360s late.
	assert.InDelta(t, 360.0, f["current_delay_seconds"], 1e-9)
	assert.Equal(t, 45.0, f["avg_delay_today"])
	assert.Equal(t, 60.0, f["delay_trend"])
	assert.Equal(t, 0.8, f["on_time_rate_24h"])
	assert.Equal(t, 1.0, f["is_rush_hour"])
	assert.Equal(t, 0.0, f["is_weekend"])
	assert.Equal(t, 1.0, f["weather_delay_multiplier"])
	assert.Equal(t, 1.0, f["has_rider_location"])
	assert.InDelta(t, 11.0, f["rider_distance_to_stop_m"], 1.0)
}

func TestBuildETAFeaturesWithoutCheckpoint(t *testing.T) {
	now := time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC) // Saturday afternoon
	h := &fakeHistory{}
	p := &fakeProgression{remaining: []models.Stop{{ID: 1}, {ID: 2}}}
	b := newTestBuilder(h, p, &fakeSegments{seconds: 200}, nil, now)

	f := b.BuildETAFeatures(context.Background(), models.Vehicle{ID: 7, RouteID: 3}, 2, nil)

	assert.Equal(t, 0.0, f["has_checkpoint"])
	assert.Equal(t, 0.0, f["checkpoint_freshness_score"])
	assert.Equal(t, -1.0, f["minutes_since_last_checkpoint"])
	// With no checkpoint the leading segment has no origin; only 1->2 counts.
	assert.Equal(t, 200.0, f["total_segment_seconds"])
	// No on-time history defaults to the neutral rate.
	assert.Equal(t, 0.5, f["on_time_rate_24h"])
	assert.Equal(t, 1.0, f["is_weekend"])
	assert.Equal(t, 0.0, f["has_rider_location"])
}

func TestBuildArrivalFeatures(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	stop := models.Stop{ID: 5, Lat: 41.4000, Lng: 2.1700}
	r := &fakeReporters{
		profiles: map[string]models.ReporterProfile{
			"a": {Accuracy: 0.9},
			"b": {Accuracy: 0.7},
		},
		positions: map[string]*models.Location{
			"a": {Lat: 41.4001, Lng: 2.1700}, // ~11m away
			"b": {Lat: 41.4100, Lng: 2.1700}, // ~1.1km away
		},
	}
	p := &fakeProgression{
		last: &progression.LastConfirmed{StopID: 4, ConfirmedAt: now.Add(-6 * time.Minute)},
	}
	b := newTestBuilder(&fakeHistory{}, p, &fakeSegments{}, r, now)

	window := []ReportObservation{
		{ReporterID: "a", ReportedAt: now.Add(-40 * time.Second)},
		{ReporterID: "b", ReportedAt: now.Add(-20 * time.Second)},
		{ReporterID: "a", ReportedAt: now},
	}
	f := b.BuildArrivalFeatures(context.Background(),
		models.ArrivalReport{VehicleID: 7, StopID: 5, ClaimedAt: now, TrafficLevel: models.TrafficHigh},
		stop, window, 100)

	assert.Equal(t, 3, f["report_count"])
	assert.Equal(t, 2, f["unique_reporters"])
	assert.Equal(t, 40.0, f["report_span_seconds"])
	assert.InDelta(t, 4.5, f["reports_per_minute"], 1e-9)
	assert.Equal(t, 3, f["traffic_level"])
	assert.InDelta(t, 6.0, f["minutes_since_previous_arrival"], 1e-9)

	// Reporter "a" sits inside the 100m radius and reported twice.
	require.IsType(t, 0.0, f["pct_within_radius"])
	assert.InDelta(t, 2.0/3.0, f["pct_within_radius"], 1e-9)
	assert.InDelta(t, (0.9+0.7+0.9)/3, f["reporter_accuracy_mean"], 1e-9)
}

func TestFreshnessScore(t *testing.T) {
	assert.Equal(t, 1.0, FreshnessScore(0))
	assert.InDelta(t, math.Exp(-1), FreshnessScore(10), 1e-12)
	assert.Equal(t, 0.0, FreshnessScore(-3))
}

func TestNearestScheduledTime(t *testing.T) {
	ref := time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)

	// A 23:58 schedule entry observed just after midnight is yesterday's.
	got := NearestScheduledTime("23:58:00", ref)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 3, 9, 23, 58, 0, 0, time.UTC), *got)

	// A 00:10 entry stays today.
	got = NearestScheduledTime("00:10:00", ref)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 10, 0, 0, time.UTC), *got)

	assert.Nil(t, NearestScheduledTime("not-a-time", ref))
}
