// Package segment estimates travel time between adjacent stops by blending a
// running statistic with aggregates over the confirmed-arrival history,
// behind a short-TTL cache.
package segment

import (
	"context"
	"fmt"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gonum.org/v1/gonum/stat"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
)

const (
	// FallbackSeconds is returned when a segment has no statistic and no
	// usable history.
	FallbackSeconds = 300.0

	// MaxPlausibleSeconds bounds an implied travel time; observations at or
	// beyond it are treated as corrupt and skipped.
	MaxPlausibleSeconds = 7200.0

	// historyWeight/statWeight blend the on-demand history aggregate with
	// the running statistic when both exist.
	historyWeight = 0.8
	statWeight    = 0.2

	historyLimit = 50
)

// Storage is the durable side of the estimator: running aggregates plus the
// confirmed-arrival history they are blended with.
type Storage interface {
	GetSegmentStat(ctx context.Context, routeID, fromStopID, toStopID int64) (*models.SegmentStatistic, error)
	RecordSegmentObservation(ctx context.Context, routeID, fromStopID, toStopID int64, observedSeconds float64) error
	SegmentDeltas(ctx context.Context, fromStopID, toStopID int64, maxSeconds float64, limit int) ([]float64, error)
}

// Estimator serves blended segment durations from a TTL cache.
type Estimator struct {
	storage  Storage
	cache    *gocache.Cache
	cacheTTL time.Duration
}

// NewEstimator creates an estimator whose cached blends live for cacheTTL.
func NewEstimator(storage Storage, cacheTTL time.Duration) *Estimator {
	return &Estimator{
		storage:  storage,
		cache:    gocache.New(cacheTTL, 2*cacheTTL),
		cacheTTL: cacheTTL,
	}
}

func cacheKey(routeID, fromStopID, toStopID int64) string {
	return fmt.Sprintf("segment:%d:%d:%d", routeID, fromStopID, toStopID)
}

// SegmentTime returns the estimated travel time in seconds from fromStopID to
// toStopID. Never fails: storage trouble degrades to the fixed fallback.
func (e *Estimator) SegmentTime(ctx context.Context, routeID, fromStopID, toStopID int64) float64 {
	key := cacheKey(routeID, fromStopID, toStopID)
	if v, ok := e.cache.Get(key); ok {
		if secs, ok := v.(float64); ok {
			return secs
		}
	}

	blended := e.blend(ctx, routeID, fromStopID, toStopID)
	e.cache.Set(key, blended, e.cacheTTL)
	return blended
}

func (e *Estimator) blend(ctx context.Context, routeID, fromStopID, toStopID int64) float64 {
	var statMean *float64
	if s, err := e.storage.GetSegmentStat(ctx, routeID, fromStopID, toStopID); err != nil {
		log.Printf("Segment: failed to read stat for %d->%d: %v", fromStopID, toStopID, err)
	} else if s != nil && s.SampleCount > 0 {
		statMean = &s.MeanSeconds
	}

	var historyMean *float64
	if deltas, err := e.storage.SegmentDeltas(ctx, fromStopID, toStopID, MaxPlausibleSeconds, historyLimit); err != nil {
		log.Printf("Segment: failed to read history for %d->%d: %v", fromStopID, toStopID, err)
	} else if len(deltas) > 0 {
		m := stat.Mean(deltas, nil)
		historyMean = &m
	}

	switch {
	case historyMean != nil && statMean != nil:
		return historyWeight**historyMean + statWeight**statMean
	case historyMean != nil:
		return *historyMean
	case statMean != nil:
		return *statMean
	default:
		return FallbackSeconds
	}
}

// RecordObserved folds an observed travel time into the running statistic.
// Implausible observations are skipped rather than allowed to corrupt the
// aggregate.
func (e *Estimator) RecordObserved(ctx context.Context, routeID, fromStopID, toStopID int64, observedSeconds float64) error {
	if observedSeconds <= 0 || observedSeconds >= MaxPlausibleSeconds {
		return fmt.Errorf("implausible travel time %.1fs for segment %d->%d", observedSeconds, fromStopID, toStopID)
	}
	if err := e.storage.RecordSegmentObservation(ctx, routeID, fromStopID, toStopID, observedSeconds); err != nil {
		return fmt.Errorf("failed to record segment observation: %w", err)
	}
	// The cached blend is stale now; drop it so the next read picks up the
	// new statistic.
	e.cache.Delete(cacheKey(routeID, fromStopID, toStopID))
	return nil
}
