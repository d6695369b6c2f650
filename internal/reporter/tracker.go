// Package reporter tracks per-reporter positions and long-run accuracy on the
// fast store. Profiles have no TTL; positions expire after an hour.
package reporter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/store"
)

const positionTTL = time.Hour

// Tracker maintains reporter profiles and last-seen positions.
type Tracker struct {
	store store.Store
}

// NewTracker creates a tracker on the given fast store.
func NewTracker(s store.Store) *Tracker {
	return &Tracker{store: s}
}

func statsKey(reporterID string) string {
	return "reporter:" + reporterID + ":stats"
}

func positionKey(reporterID string) string {
	return "reporter:" + reporterID + ":pos"
}

// RecordReport stores the reporter's claimed position and bumps their
// total-report counter. Called for every accepted report, confirmed or not.
func (t *Tracker) RecordReport(ctx context.Context, r models.Reporter, claimedAt time.Time) error {
	err := t.store.HSet(ctx, positionKey(r.ID), map[string]string{
		"lat": strconv.FormatFloat(r.Lat, 'f', -1, 64),
		"lng": strconv.FormatFloat(r.Lng, 'f', -1, 64),
		"ts":  strconv.FormatInt(claimedAt.UnixMilli(), 10),
	}, positionTTL)
	if err != nil {
		return fmt.Errorf("failed to store reporter position: %w", err)
	}

	if _, err := t.store.HIncrBy(ctx, statsKey(r.ID), "total_reports", 1); err != nil {
		return fmt.Errorf("failed to bump total reports: %w", err)
	}
	return t.refreshAccuracy(ctx, r.ID)
}

// RecordConfirmation bumps the confirmed-report counter for a reporter whose
// report contributed to a quorum confirmation.
func (t *Tracker) RecordConfirmation(ctx context.Context, reporterID string) error {
	if _, err := t.store.HIncrBy(ctx, statsKey(reporterID), "confirmed_reports", 1); err != nil {
		return fmt.Errorf("failed to bump confirmed reports: %w", err)
	}
	return t.refreshAccuracy(ctx, reporterID)
}

// Profile returns the reporter's accumulated accuracy profile. A reporter
// that has never been seen gets a zeroed profile, not an error.
func (t *Tracker) Profile(ctx context.Context, reporterID string) (models.ReporterProfile, error) {
	p := models.ReporterProfile{ReporterID: reporterID}
	h, err := t.store.HGetAll(ctx, statsKey(reporterID))
	if err != nil {
		return p, fmt.Errorf("failed to read reporter stats: %w", err)
	}
	p.TotalReports, _ = strconv.ParseInt(h["total_reports"], 10, 64)
	p.ConfirmedReports, _ = strconv.ParseInt(h["confirmed_reports"], 10, 64)
	p.Accuracy, _ = strconv.ParseFloat(h["accuracy"], 64)
	return p, nil
}

// Position returns the reporter's last stored position, or nil when expired
// or never stored.
func (t *Tracker) Position(ctx context.Context, reporterID string) (*models.Location, error) {
	h, err := t.store.HGetAll(ctx, positionKey(reporterID))
	if err != nil {
		return nil, fmt.Errorf("failed to read reporter position: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	lat, errLat := strconv.ParseFloat(h["lat"], 64)
	lng, errLng := strconv.ParseFloat(h["lng"], 64)
	if errLat != nil || errLng != nil {
		return nil, nil
	}
	return &models.Location{Lat: lat, Lng: lng}, nil
}

func (t *Tracker) refreshAccuracy(ctx context.Context, reporterID string) error {
	h, err := t.store.HGetAll(ctx, statsKey(reporterID))
	if err != nil {
		return fmt.Errorf("failed to read reporter stats: %w", err)
	}
	total, _ := strconv.ParseInt(h["total_reports"], 10, 64)
	confirmed, _ := strconv.ParseInt(h["confirmed_reports"], 10, 64)

	accuracy := 0.0
	if total > 0 {
		accuracy = float64(confirmed) / float64(total)
	}
	return t.store.HSet(ctx, statsKey(reporterID), map[string]string{
		"accuracy": strconv.FormatFloat(accuracy, 'f', -1, 64),
	}, store.NoExpiration)
}
