// Package progression derives where a vehicle is along its route from the
// stream of quorum confirmations. The only ground truth is the last confirmed
// stop; everything else is read-only route reference data.
package progression

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/store"
)

// RouteSource provides the ordered stop list for a vehicle's route.
type RouteSource interface {
	GetRouteStops(ctx context.Context, vehicleID int64) ([]models.Stop, error)
}

// LastConfirmed is a vehicle's most recent confirmed stop with its staleness.
type LastConfirmed struct {
	StopID       int64     `json:"stopId"`
	ConfirmedAt  time.Time `json:"confirmedAt"`
	MinutesSince float64   `json:"minutesSinceConfirmation"`
}

// State exposes a vehicle's confirmed progression along its route.
type State struct {
	store  store.Store
	routes RouteSource
	now    func() time.Time
}

// NewState creates a progression view over the fast store and route data.
func NewState(s store.Store, routes RouteSource) *State {
	return &State{store: s, routes: routes, now: time.Now}
}

func lastStopKey(vehicleID int64) string {
	return fmt.Sprintf("vehicle:%d:last_stop", vehicleID)
}

func lastArrivalKey(vehicleID int64) string {
	return fmt.Sprintf("vehicle:%d:last_arrival_ms", vehicleID)
}

func prevArrivalKey(vehicleID int64) string {
	return fmt.Sprintf("vehicle:%d:prev_arrival_ms", vehicleID)
}

// RecordConfirmation advances the vehicle's last-confirmed stop. The previous
// arrival timestamp is kept under its own key for gap features.
func (s *State) RecordConfirmation(ctx context.Context, vehicleID, stopID int64, confirmedAt time.Time) error {
	if prev, ok, err := s.store.Get(ctx, lastArrivalKey(vehicleID)); err == nil && ok {
		if err := s.store.Set(ctx, prevArrivalKey(vehicleID), prev, store.NoExpiration); err != nil {
			return fmt.Errorf("failed to shift previous arrival time: %w", err)
		}
	}
	if err := s.store.Set(ctx, lastStopKey(vehicleID), strconv.FormatInt(stopID, 10), store.NoExpiration); err != nil {
		return fmt.Errorf("failed to set last stop: %w", err)
	}
	if err := s.store.Set(ctx, lastArrivalKey(vehicleID), strconv.FormatInt(confirmedAt.UnixMilli(), 10), store.NoExpiration); err != nil {
		return fmt.Errorf("failed to set last arrival time: %w", err)
	}
	return nil
}

// LastConfirmedStop returns the vehicle's last confirmed stop, or nil when no
// confirmation has ever landed.
func (s *State) LastConfirmedStop(ctx context.Context, vehicleID int64) (*LastConfirmed, error) {
	stopStr, okStop, err := s.store.Get(ctx, lastStopKey(vehicleID))
	if err != nil {
		return nil, fmt.Errorf("failed to read last stop: %w", err)
	}
	tsStr, okTs, err := s.store.Get(ctx, lastArrivalKey(vehicleID))
	if err != nil {
		return nil, fmt.Errorf("failed to read last arrival time: %w", err)
	}
	if !okStop || !okTs {
		return nil, nil
	}

	stopID, err := strconv.ParseInt(stopStr, 10, 64)
	if err != nil {
		return nil, nil
	}
	ms, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, nil
	}

	confirmedAt := time.UnixMilli(ms)
	return &LastConfirmed{
		StopID:       stopID,
		ConfirmedAt:  confirmedAt,
		MinutesSince: s.now().Sub(confirmedAt).Minutes(),
	}, nil
}

// PreviousArrivalAt returns the arrival time that preceded the current
// last-confirmed stop, or nil.
func (s *State) PreviousArrivalAt(ctx context.Context, vehicleID int64) (*time.Time, error) {
	v, ok, err := s.store.Get(ctx, prevArrivalKey(vehicleID))
	if err != nil || !ok {
		return nil, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, nil
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

// RemainingStops returns the ordered stops between the last confirmed stop
// (exclusive) and the target (inclusive). With no confirmation it returns the
// full route prefix up to and including the target. A target at or behind the
// last confirmed stop, or absent from the route, yields an empty list.
func (s *State) RemainingStops(ctx context.Context, vehicleID, targetStopID int64) ([]models.Stop, error) {
	routeStops, err := s.routes.GetRouteStops(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load route stops: %w", err)
	}

	targetIdx := indexOfStop(routeStops, targetStopID)
	if targetIdx < 0 {
		return nil, nil
	}

	last, err := s.LastConfirmedStop(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return routeStops[:targetIdx+1], nil
	}

	lastIdx := indexOfStop(routeStops, last.StopID)
	if targetIdx <= lastIdx {
		return nil, nil
	}
	return routeStops[lastIdx+1 : targetIdx+1], nil
}

// IsStale reports whether the last confirmation is older than maxMinutes.
// A vehicle with no confirmation at all is stale.
func (s *State) IsStale(ctx context.Context, vehicleID int64, maxMinutes float64) (bool, error) {
	last, err := s.LastConfirmedStop(ctx, vehicleID)
	if err != nil {
		return true, err
	}
	if last == nil {
		return true, nil
	}
	return last.MinutesSince > maxMinutes, nil
}

func indexOfStop(stops []models.Stop, stopID int64) int {
	for i, s := range stops {
		if s.ID == stopID {
			return i
		}
	}
	return -1
}
