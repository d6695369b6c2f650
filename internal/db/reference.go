package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
)

// GetRouteStops returns the ordered stops of the route the vehicle is
// assigned to.
func (db *DB) GetRouteStops(ctx context.Context, vehicleID int64) ([]models.Stop, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT s.id, s.route_id, s.name, s.sequence, s.latitude, s.longitude
		FROM vehicles v
		JOIN stops s ON s.route_id = v.route_id
		WHERE v.id = ?
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

// GetStop returns a stop by id, or nil if it does not exist.
func (db *DB) GetStop(ctx context.Context, stopID int64) (*models.Stop, error) {
	var s models.Stop
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, route_id, name, sequence, latitude, longitude
		FROM stops
		WHERE id = ?
	`, stopID).Scan(&s.ID, &s.RouteID, &s.Name, &s.Sequence, &s.Lat, &s.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query stop %d: %w", stopID, err)
	}
	return &s, nil
}

// GetVehicle returns a vehicle by id, or nil if it does not exist.
func (db *DB) GetVehicle(ctx context.Context, vehicleID int64) (*models.Vehicle, error) {
	var v models.Vehicle
	var tripID sql.NullInt64
	var label sql.NullString
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, route_id, trip_id, label
		FROM vehicles
		WHERE id = ?
	`, vehicleID).Scan(&v.ID, &v.RouteID, &tripID, &label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicle %d: %w", vehicleID, err)
	}
	if tripID.Valid {
		v.TripID = &tripID.Int64
	}
	v.Label = label.String
	return &v, nil
}

// GetScheduleForStop returns the scheduled arrival of the vehicle's route at
// the stop, or nil when the stop is not scheduled for that route.
func (db *DB) GetScheduleForStop(ctx context.Context, vehicleID, stopID int64) (*models.StopSchedule, error) {
	var sch models.StopSchedule
	err := db.conn.QueryRowContext(ctx, `
		SELECT sc.route_id, sc.stop_id, sc.scheduled_arrival_time, sc.day_type
		FROM vehicles v
		JOIN schedules sc ON sc.route_id = v.route_id
		WHERE v.id = ? AND sc.stop_id = ?
	`, vehicleID, stopID).Scan(&sch.RouteID, &sch.StopID, &sch.ArrivalTime, &sch.DayType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule for vehicle %d stop %d: %w", vehicleID, stopID, err)
	}
	return &sch, nil
}
