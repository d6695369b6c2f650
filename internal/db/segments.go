package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/stats"
)

// GetSegmentStat returns the running aggregate for a segment, or nil when no
// observation has been recorded yet.
func (db *DB) GetSegmentStat(ctx context.Context, routeID, fromStopID, toStopID int64) (*models.SegmentStatistic, error) {
	var s models.SegmentStatistic
	var updatedMs int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT route_id, from_stop_id, to_stop_id,
			avg_travel_seconds, stddev_travel_seconds, sample_count, last_updated_ms
		FROM segment_times
		WHERE route_id = ? AND from_stop_id = ? AND to_stop_id = ?
	`, routeID, fromStopID, toStopID).Scan(&s.RouteID, &s.FromStopID, &s.ToStopID,
		&s.MeanSeconds, &s.StdDevSeconds, &s.SampleCount, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query segment stat: %w", err)
	}
	s.LastUpdated = time.UnixMilli(updatedMs)
	return &s, nil
}

// RecordSegmentObservation folds one observed travel time into the segment's
// running mean/stddev using Welford's update. The read and upsert run inside
// one transaction under the write mutex, so sample counts only ever grow.
func (db *DB) RecordSegmentObservation(ctx context.Context, routeID, fromStopID, toStopID int64, observedSeconds float64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var mean, stddev float64
	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT avg_travel_seconds, stddev_travel_seconds, sample_count
		FROM segment_times
		WHERE route_id = ? AND from_stop_id = ? AND to_stop_id = ?
	`, routeID, fromStopID, toStopID).Scan(&mean, &stddev, &count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read segment stat: %w", err)
	}

	w := stats.NewWelfordState(mean, stddev, count)
	w.Update(observedSeconds)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO segment_times (
			route_id, from_stop_id, to_stop_id,
			avg_travel_seconds, stddev_travel_seconds, sample_count, last_updated_ms
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (route_id, from_stop_id, to_stop_id) DO UPDATE SET
			avg_travel_seconds = excluded.avg_travel_seconds,
			stddev_travel_seconds = excluded.stddev_travel_seconds,
			sample_count = excluded.sample_count,
			last_updated_ms = excluded.last_updated_ms
	`, routeID, fromStopID, toStopID, w.Mean, w.StdDev(), w.Count, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert segment stat: %w", err)
	}

	return tx.Commit()
}
