package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
)

// InsertArrival appends a confirmed arrival to the audit trail.
func (db *DB) InsertArrival(ctx context.Context, a models.ConfirmedArrival) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	var scheduledMs *int64
	if a.ScheduledTime != nil {
		ms := a.ScheduledTime.UnixMilli()
		scheduledMs = &ms
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO arrivals (
			id, vehicle_id, stop_id, scheduled_time_ms, delay_seconds,
			report_count, confirm_probability, traffic_level, event_nearby, arrived_at_ms
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.VehicleID, a.StopID, scheduledMs, a.DelaySeconds,
		a.ReportCount, a.Probability, nullIfEmpty(a.TrafficLevel), boolToInt(a.EventNearby), a.ArrivedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert arrival: %w", err)
	}
	return nil
}

// SegmentDeltas returns the observed travel times, in seconds, between
// consecutive confirmations of the same vehicle at fromStopID then toStopID,
// newest first, filtered to the plausible window (0, maxSeconds).
func (db *DB) SegmentDeltas(ctx context.Context, fromStopID, toStopID int64, maxSeconds float64, limit int) ([]float64, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT (a2.arrived_at_ms - a1.arrived_at_ms) / 1000.0 AS travel_seconds
		FROM arrivals a1
		JOIN arrivals a2
		  ON a2.vehicle_id = a1.vehicle_id
		 AND a2.stop_id = ?
		 AND a1.stop_id = ?
		 AND a2.arrived_at_ms > a1.arrived_at_ms
		WHERE NOT EXISTS (
			SELECT 1 FROM arrivals mid
			WHERE mid.vehicle_id = a1.vehicle_id
			  AND mid.arrived_at_ms > a1.arrived_at_ms
			  AND mid.arrived_at_ms < a2.arrived_at_ms
		)
		ORDER BY a2.arrived_at_ms DESC
		LIMIT ?
	`, toStopID, fromStopID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query segment deltas: %w", err)
	}
	defer rows.Close()

	var deltas []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan delta: %w", err)
		}
		if d > 0 && d < maxSeconds {
			deltas = append(deltas, d)
		}
	}
	return deltas, rows.Err()
}

// RecentDelays returns the delay values of the vehicle's most recent
// confirmed arrivals, newest first. Arrivals without a known delay are
// skipped.
func (db *DB) RecentDelays(ctx context.Context, vehicleID int64, limit int) ([]float64, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT delay_seconds
		FROM arrivals
		WHERE vehicle_id = ? AND delay_seconds IS NOT NULL
		ORDER BY arrived_at_ms DESC
		LIMIT ?
	`, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent delays: %w", err)
	}
	defer rows.Close()

	var delays []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan delay: %w", err)
		}
		delays = append(delays, d)
	}
	return delays, rows.Err()
}

// AverageDelaySince returns the vehicle's mean delay over confirmations since
// the given time, or nil when there are none.
func (db *DB) AverageDelaySince(ctx context.Context, vehicleID int64, since time.Time) (*float64, error) {
	var avg sql.NullFloat64
	err := db.conn.QueryRowContext(ctx, `
		SELECT AVG(delay_seconds)
		FROM arrivals
		WHERE vehicle_id = ? AND arrived_at_ms >= ? AND delay_seconds IS NOT NULL
	`, vehicleID, since.UnixMilli()).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to query average delay: %w", err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

// OnTimeRate returns (onTime, total) confirmation counts for the vehicle
// since the given time. A confirmation is on time when |delay| is within
// onTimeThresholdSeconds.
func (db *DB) OnTimeRate(ctx context.Context, vehicleID int64, since time.Time, onTimeThresholdSeconds float64) (int, int, error) {
	var onTime, total int
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN ABS(delay_seconds) <= ? THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM arrivals
		WHERE vehicle_id = ? AND arrived_at_ms >= ? AND delay_seconds IS NOT NULL
	`, onTimeThresholdSeconds, vehicleID, since.UnixMilli()).Scan(&onTime, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query on-time rate: %w", err)
	}
	return onTime, total, nil
}

// StopAverageDelay returns the mean delay observed at a stop across all
// vehicles, or nil when nothing has been confirmed there.
func (db *DB) StopAverageDelay(ctx context.Context, stopID int64) (*float64, error) {
	var avg sql.NullFloat64
	err := db.conn.QueryRowContext(ctx, `
		SELECT AVG(delay_seconds)
		FROM arrivals
		WHERE stop_id = ? AND delay_seconds IS NOT NULL
	`, stopID).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to query stop delay: %w", err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
