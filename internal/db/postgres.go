package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/stats"
)

// Postgres is the pgx-backed durable store for deployments that share the
// relational database with the rest of the platform. It implements the same
// methods as the SQLite DB; services only see the Storage interfaces they
// declare.
type Postgres struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a connection pool against databaseURL.
func ConnectPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) GetRouteStops(ctx context.Context, vehicleID int64) ([]models.Stop, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT s.id, s.route_id, s.name, s.sequence, s.latitude, s.longitude
		FROM vehicles v
		JOIN stops s ON s.route_id = v.route_id
		WHERE v.id = $1
		ORDER BY s.sequence
	`, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query route stops: %w", err)
	}
	defer rows.Close()

	var stops []models.Stop
	for rows.Next() {
		var s models.Stop
		if err := rows.Scan(&s.ID, &s.RouteID, &s.Name, &s.Sequence, &s.Lat, &s.Lng); err != nil {
			return nil, fmt.Errorf("failed to scan stop: %w", err)
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

func (p *Postgres) GetStop(ctx context.Context, stopID int64) (*models.Stop, error) {
	var s models.Stop
	err := p.pool.QueryRow(ctx, `
		SELECT id, route_id, name, sequence, latitude, longitude
		FROM stops WHERE id = $1
	`, stopID).Scan(&s.ID, &s.RouteID, &s.Name, &s.Sequence, &s.Lat, &s.Lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query stop %d: %w", stopID, err)
	}
	return &s, nil
}

func (p *Postgres) GetVehicle(ctx context.Context, vehicleID int64) (*models.Vehicle, error) {
	var v models.Vehicle
	var tripID *int64
	var label *string
	err := p.pool.QueryRow(ctx, `
		SELECT id, route_id, trip_id, label FROM vehicles WHERE id = $1
	`, vehicleID).Scan(&v.ID, &v.RouteID, &tripID, &label)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicle %d: %w", vehicleID, err)
	}
	v.TripID = tripID
	if label != nil {
		v.Label = *label
	}
	return &v, nil
}

func (p *Postgres) GetScheduleForStop(ctx context.Context, vehicleID, stopID int64) (*models.StopSchedule, error) {
	var sch models.StopSchedule
	err := p.pool.QueryRow(ctx, `
		SELECT sc.route_id, sc.stop_id, sc.scheduled_arrival_time, sc.day_type
		FROM vehicles v
		JOIN schedules sc ON sc.route_id = v.route_id
		WHERE v.id = $1 AND sc.stop_id = $2
	`, vehicleID, stopID).Scan(&sch.RouteID, &sch.StopID, &sch.ArrivalTime, &sch.DayType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule for vehicle %d stop %d: %w", vehicleID, stopID, err)
	}
	return &sch, nil
}

func (p *Postgres) InsertArrival(ctx context.Context, a models.ConfirmedArrival) error {
	var scheduledMs *int64
	if a.ScheduledTime != nil {
		ms := a.ScheduledTime.UnixMilli()
		scheduledMs = &ms
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO arrivals (
			id, vehicle_id, stop_id, scheduled_time_ms, delay_seconds,
			report_count, confirm_probability, traffic_level, event_nearby, arrived_at_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.VehicleID, a.StopID, scheduledMs, a.DelaySeconds,
		a.ReportCount, a.Probability, nullIfEmpty(a.TrafficLevel), a.EventNearby, a.ArrivedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert arrival: %w", err)
	}
	return nil
}

func (p *Postgres) SegmentDeltas(ctx context.Context, fromStopID, toStopID int64, maxSeconds float64, limit int) ([]float64, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT (a2.arrived_at_ms - a1.arrived_at_ms) / 1000.0 AS travel_seconds
		FROM arrivals a1
		JOIN arrivals a2
		  ON a2.vehicle_id = a1.vehicle_id
		 AND a2.stop_id = $1
		 AND a1.stop_id = $2
		 AND a2.arrived_at_ms > a1.arrived_at_ms
		WHERE NOT EXISTS (
			SELECT 1 FROM arrivals mid
			WHERE mid.vehicle_id = a1.vehicle_id
			  AND mid.arrived_at_ms > a1.arrived_at_ms
			  AND mid.arrived_at_ms < a2.arrived_at_ms
		)
		ORDER BY a2.arrived_at_ms DESC
		LIMIT $3
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

func (p *Postgres) RecentDelays(ctx context.Context, vehicleID int64, limit int) ([]float64, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT delay_seconds FROM arrivals
		WHERE vehicle_id = $1 AND delay_seconds IS NOT NULL
		ORDER BY arrived_at_ms DESC
		LIMIT $2
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

func (p *Postgres) AverageDelaySince(ctx context.Context, vehicleID int64, since time.Time) (*float64, error) {
	var avg *float64
	err := p.pool.QueryRow(ctx, `
		SELECT AVG(delay_seconds) FROM arrivals
		WHERE vehicle_id = $1 AND arrived_at_ms >= $2 AND delay_seconds IS NOT NULL
	`, vehicleID, since.UnixMilli()).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to query average delay: %w", err)
	}
	return avg, nil
}

func (p *Postgres) OnTimeRate(ctx context.Context, vehicleID int64, since time.Time, onTimeThresholdSeconds float64) (int, int, error) {
	var onTime, total int
	err := p.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN ABS(delay_seconds) <= $1 THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM arrivals
		WHERE vehicle_id = $2 AND arrived_at_ms >= $3 AND delay_seconds IS NOT NULL
	`, onTimeThresholdSeconds, vehicleID, since.UnixMilli()).Scan(&onTime, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query on-time rate: %w", err)
	}
	return onTime, total, nil
}

func (p *Postgres) StopAverageDelay(ctx context.Context, stopID int64) (*float64, error) {
	var avg *float64
	err := p.pool.QueryRow(ctx, `
		SELECT AVG(delay_seconds) FROM arrivals
		WHERE stop_id = $1 AND delay_seconds IS NOT NULL
	`, stopID).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to query stop delay: %w", err)
	}
	return avg, nil
}

func (p *Postgres) GetSegmentStat(ctx context.Context, routeID, fromStopID, toStopID int64) (*models.SegmentStatistic, error) {
	var s models.SegmentStatistic
	var updatedMs int64
	err := p.pool.QueryRow(ctx, `
		SELECT route_id, from_stop_id, to_stop_id,
			avg_travel_seconds, stddev_travel_seconds, sample_count, last_updated_ms
		FROM segment_times
		WHERE route_id = $1 AND from_stop_id = $2 AND to_stop_id = $3
	`, routeID, fromStopID, toStopID).Scan(&s.RouteID, &s.FromStopID, &s.ToStopID,
		&s.MeanSeconds, &s.StdDevSeconds, &s.SampleCount, &updatedMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query segment stat: %w", err)
	}
	s.LastUpdated = time.UnixMilli(updatedMs)
	return &s, nil
}

func (p *Postgres) RecordSegmentObservation(ctx context.Context, routeID, fromStopID, toStopID int64, observedSeconds float64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var mean, stddev float64
	var count int
	err = tx.QueryRow(ctx, `
		SELECT avg_travel_seconds, stddev_travel_seconds, sample_count
		FROM segment_times
		WHERE route_id = $1 AND from_stop_id = $2 AND to_stop_id = $3
		FOR UPDATE
	`, routeID, fromStopID, toStopID).Scan(&mean, &stddev, &count)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read segment stat: %w", err)
	}

	w := stats.NewWelfordState(mean, stddev, count)
	w.Update(observedSeconds)

	_, err = tx.Exec(ctx, `
		INSERT INTO segment_times (
			route_id, from_stop_id, to_stop_id,
			avg_travel_seconds, stddev_travel_seconds, sample_count, last_updated_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (route_id, from_stop_id, to_stop_id) DO UPDATE SET
			avg_travel_seconds = EXCLUDED.avg_travel_seconds,
			stddev_travel_seconds = EXCLUDED.stddev_travel_seconds,
			sample_count = EXCLUDED.sample_count,
			last_updated_ms = EXCLUDED.last_updated_ms
	`, routeID, fromStopID, toStopID, w.Mean, w.StdDev(), w.Count, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert segment stat: %w", err)
	}

	return tx.Commit(ctx)
}
