package models

import "time"

// Vehicle is a transit vehicle assigned to a route. Reference data except for
// the current trip assignment.
type Vehicle struct {
	ID      int64  `json:"id"`
	RouteID int64  `json:"routeId"`
	TripID  *int64 `json:"tripId,omitempty"`
	Label   string `json:"label,omitempty"`
}

// Stop is an ordered stop on a route. Immutable reference data.
type Stop struct {
	ID       int64   `json:"id"`
	RouteID  int64   `json:"routeId"`
	Name     string  `json:"name"`
	Sequence int     `json:"sequence"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

// StopSchedule is the scheduled arrival of a vehicle's route at a stop.
// ArrivalTime is a wall-clock time of day ("15:04:05").
type StopSchedule struct {
	RouteID     int64  `json:"routeId"`
	StopID      int64  `json:"stopId"`
	ArrivalTime string `json:"arrivalTime"`
	DayType     string `json:"dayType,omitempty"`
}

// Reporter identifies a rider submitting an arrival claim, with their
// self-reported position.
type Reporter struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TrafficLevel is the optional rider-supplied congestion context.
type TrafficLevel string

const (
	TrafficLow    TrafficLevel = "Low"
	TrafficMedium TrafficLevel = "Medium"
	TrafficHigh   TrafficLevel = "High"
	TrafficSevere TrafficLevel = "Severe"
)

// Encode maps a traffic level to its numeric feature encoding (0 = unknown).
func (t TrafficLevel) Encode() int {
	switch t {
	case TrafficLow:
		return 1
	case TrafficMedium:
		return 2
	case TrafficHigh:
		return 3
	case TrafficSevere:
		return 4
	default:
		return 0
	}
}

// Valid reports whether the level is one of the accepted values or empty.
func (t TrafficLevel) Valid() bool {
	switch t {
	case "", TrafficLow, TrafficMedium, TrafficHigh, TrafficSevere:
		return true
	}
	return false
}

// ArrivalReport is one rider's claim that a vehicle arrived at a stop.
// It only lives inside the quorum window; nothing is persisted durably
// until a confirmation.
type ArrivalReport struct {
	VehicleID    int64        `json:"vehicleId"`
	StopID       int64        `json:"stopId"`
	ClaimedAt    time.Time    `json:"claimedAt"`
	Reporter     Reporter     `json:"reporter"`
	TrafficLevel TrafficLevel `json:"trafficLevel,omitempty"`
	EventNearby  bool         `json:"eventNearby,omitempty"`
}

// ConfirmedArrival is the durable record created when a quorum of reports
// (and the validator, where required) accepts an arrival. At most one live
// confirmation exists per (vehicle, stop) within the expiration window.
type ConfirmedArrival struct {
	ID            string    `json:"id"`
	VehicleID     int64     `json:"vehicleId"`
	StopID        int64     `json:"stopId"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
	DelaySeconds  *float64  `json:"delaySeconds,omitempty"`
	ReportCount   int       `json:"reportCount"`
	Probability   *float64  `json:"probability,omitempty"`
	TrafficLevel  string    `json:"trafficLevel,omitempty"`
	EventNearby   bool      `json:"eventNearby"`
	ArrivedAt     time.Time `json:"arrivedAt"`
}

// SegmentStatistic is the running travel-time aggregate for one segment
// (adjacent stop pair) of a route. Updated incrementally, never recomputed
// from raw history on the write path.
type SegmentStatistic struct {
	RouteID       int64     `json:"routeId"`
	FromStopID    int64     `json:"fromStopId"`
	ToStopID      int64     `json:"toStopId"`
	MeanSeconds   float64   `json:"meanSeconds"`
	StdDevSeconds float64   `json:"stdDevSeconds"`
	SampleCount   int       `json:"sampleCount"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// ReporterProfile tracks a reporter's long-run accuracy.
type ReporterProfile struct {
	ReporterID       string  `json:"reporterId"`
	TotalReports     int64   `json:"totalReports"`
	ConfirmedReports int64   `json:"confirmedReports"`
	Accuracy         float64 `json:"accuracy"`
}

// Location is a rider-supplied coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
