package segment

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/stats"
)

type fakeStorage struct {
	stat     *models.SegmentStatistic
	deltas   []float64
	recorded []float64
	statErr  error

	statReads int
}

func (f *fakeStorage) GetSegmentStat(_ context.Context, _, _, _ int64) (*models.SegmentStatistic, error) {
	f.statReads++
	return f.stat, f.statErr
}

func (f *fakeStorage) RecordSegmentObservation(_ context.Context, _, _, _ int64, observedSeconds float64) error {
	f.recorded = append(f.recorded, observedSeconds)

	var s *models.SegmentStatistic
	if f.stat == nil {
		s = &models.SegmentStatistic{}
	} else {
		s = f.stat
	}
	w := stats.NewWelfordState(s.MeanSeconds, s.StdDevSeconds, s.SampleCount)
	w.Update(observedSeconds)
	s.MeanSeconds = w.Mean
	s.StdDevSeconds = w.StdDev()
	s.SampleCount = w.Count
	f.stat = s
	return nil
}

func (f *fakeStorage) SegmentDeltas(_ context.Context, _, _ int64, maxSeconds float64, _ int) ([]float64, error) {
	var out []float64
	for _, d := range f.deltas {
		if d > 0 && d < maxSeconds {
			out = append(out, d)
		}
	}
	return out, nil
}

func TestSegmentTimeBlending(t *testing.T) {
	tests := []struct {
		name     string
		stat     *models.SegmentStatistic
		deltas   []float64
		expected float64
	}{
		{
			name:     "history and stat blend 0.8/0.2",
			stat:     &models.SegmentStatistic{MeanSeconds: 500, SampleCount: 10},
			deltas:   []float64{600, 600},
			expected: 0.8*600 + 0.2*500,
		},
		{
			name:     "history only",
			deltas:   []float64{400, 500},
			expected: 450,
		},
		{
			name:     "stat only",
			stat:     &models.SegmentStatistic{MeanSeconds: 520, SampleCount: 3},
			expected: 520,
		},
		{
			name:     "nothing known falls back",
			expected: FallbackSeconds,
		},
		{
			name:     "implausible history filtered out",
			deltas:   []float64{-10, 9000},
			expected: FallbackSeconds,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEstimator(&fakeStorage{stat: tc.stat, deltas: tc.deltas}, time.Minute)
			got := e.SegmentTime(context.Background(), 1, 10, 11)
			if math.Abs(got-tc.expected) > 1e-9 {
				t.Errorf("SegmentTime = %v, expected %v", got, tc.expected)
			}
		})
	}
}

func TestSegmentTimeCaches(t *testing.T) {
	f := &fakeStorage{stat: &models.SegmentStatistic{MeanSeconds: 500, SampleCount: 1}}
	e := NewEstimator(f, time.Minute)

	first := e.SegmentTime(context.Background(), 1, 10, 11)
	second := e.SegmentTime(context.Background(), 1, 10, 11)
	if first != second {
		t.Errorf("cached value changed: %v then %v", first, second)
	}
	if f.statReads != 1 {
		t.Errorf("storage read %d times, expected 1 (second read cached)", f.statReads)
	}
}

func TestRecordObservedUpdatesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	f := &fakeStorage{}
	e := NewEstimator(f, time.Minute)

	// Prime the cache with the fallback.
	if got := e.SegmentTime(ctx, 1, 10, 11); got != FallbackSeconds {
		t.Fatalf("initial SegmentTime = %v", got)
	}

	if err := e.RecordObserved(ctx, 1, 10, 11, 600); err != nil {
		t.Fatal(err)
	}

	// The cache entry must have been dropped: next read sees the statistic.
	if got := e.SegmentTime(ctx, 1, 10, 11); got != 600 {
		t.Errorf("SegmentTime after observation = %v, expected 600", got)
	}
}

func TestRecordObservedWelfordScenario(t *testing.T) {
	ctx := context.Background()
	f := &fakeStorage{}
	e := NewEstimator(f, time.Minute)

	for _, obs := range []float64{600, 700, 650} {
		if err := e.RecordObserved(ctx, 1, 10, 11, obs); err != nil {
			t.Fatal(err)
		}
	}

	if f.stat.SampleCount != 3 {
		t.Errorf("SampleCount = %d, expected 3", f.stat.SampleCount)
	}
	if math.Abs(f.stat.MeanSeconds-650) > 1e-9 {
		t.Errorf("MeanSeconds = %v, expected 650", f.stat.MeanSeconds)
	}
	if math.Abs(f.stat.StdDevSeconds-40.8248) > 0.001 {
		t.Errorf("StdDevSeconds = %v, expected ≈40.825", f.stat.StdDevSeconds)
	}
}

func TestRecordObservedRejectsImplausible(t *testing.T) {
	f := &fakeStorage{}
	e := NewEstimator(f, time.Minute)

	for _, obs := range []float64{0, -5, MaxPlausibleSeconds, MaxPlausibleSeconds + 1} {
		if err := e.RecordObserved(context.Background(), 1, 10, 11, obs); err == nil {
			t.Errorf("expected error for observation %v", obs)
		}
	}
	if len(f.recorded) != 0 {
		t.Errorf("implausible observations reached storage: %v", f.recorded)
	}
}

func TestRecordObservedStorageErrorSurfaced(t *testing.T) {
	f := &failingStorage{}
	e := NewEstimator(f, time.Minute)
	if err := e.RecordObserved(context.Background(), 1, 10, 11, 300); err == nil {
		t.Error("expected storage error to surface")
	}
}

type failingStorage struct{ fakeStorage }

func (f *failingStorage) RecordSegmentObservation(_ context.Context, _, _, _ int64, _ float64) error {
	return errors.New("disk full")
}
