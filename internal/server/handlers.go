package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/eta"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/geo"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/metrics"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/progression"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/quorum"
)

// ReportSubmitter runs a report through the quorum coordinator.
type ReportSubmitter interface {
	SubmitReport(ctx context.Context, report models.ArrivalReport) (*quorum.Result, error)
}

// Estimator produces fused ETAs. riderLoc is optional.
type Estimator interface {
	Estimate(ctx context.Context, vehicle models.Vehicle, targetStopID int64, riderLoc *models.Location) (*eta.Estimate, error)
}

// ProgressionReader exposes confirmed vehicle progress.
type ProgressionReader interface {
	LastConfirmedStop(ctx context.Context, vehicleID int64) (*progression.LastConfirmed, error)
}

// ReporterReader exposes reporter profiles.
type ReporterReader interface {
	Profile(ctx context.Context, reporterID string) (models.ReporterProfile, error)
}

// VehicleReader resolves vehicles for estimate requests and health checks.
type VehicleReader interface {
	GetVehicle(ctx context.Context, vehicleID int64) (*models.Vehicle, error)
}

// EstimatePublisher fans served estimates out to push consumers.
type EstimatePublisher interface {
	PublishEstimate(est *eta.Estimate) error
}

// Handler serves the public API.
type Handler struct {
	coordinator ReportSubmitter
	estimator   Estimator
	prog        ProgressionReader
	reporters   ReporterReader
	vehicles    VehicleReader
	metrics     *metrics.Collector
	publisher   EstimatePublisher

	now func() time.Time
}

// NewHandler creates the API handler. collector may be nil.
func NewHandler(coordinator ReportSubmitter, estimator Estimator, prog ProgressionReader, reporters ReporterReader, vehicles VehicleReader, collector *metrics.Collector) *Handler {
	return &Handler{
		coordinator: coordinator,
		estimator:   estimator,
		prog:        prog,
		reporters:   reporters,
		vehicles:    vehicles,
		metrics:     collector,
		now:         time.Now,
	}
}

// SetPublisher enables push delivery of served estimates.
func (h *Handler) SetPublisher(p EstimatePublisher) {
	h.publisher = p
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ReportRequest is the JSON body of POST /api/arrivals/report
type ReportRequest struct {
	VehicleID        int64   `json:"vehicleId"`
	StopID           int64   `json:"stopId"`
	ReporterID       string  `json:"reporterId"`
	ClaimedTimestamp int64   `json:"claimedTimestamp"` // epoch milliseconds
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	TrafficLevel     string  `json:"trafficLevel,omitempty"`
	EventNearby      bool    `json:"eventNearby,omitempty"`
}

// validate collects every problem with the request instead of stopping at the
// first, so clients can fix a bad form in one round trip.
func (req *ReportRequest) validate() map[string]interface{} {
	problems := map[string]interface{}{}
	if req.VehicleID <= 0 {
		problems["vehicleId"] = "must be a positive vehicle id"
	}
	if req.StopID <= 0 {
		problems["stopId"] = "must be a positive stop id"
	}
	if req.ReporterID == "" {
		problems["reporterId"] = "required"
	}
	if req.ClaimedTimestamp <= 0 {
		problems["claimedTimestamp"] = "must be a positive epoch-millisecond timestamp"
	}
	if !geo.ValidCoordinates(req.Lat, req.Lng) {
		problems["location"] = "lat/lng outside valid ranges"
	}
	if !models.TrafficLevel(req.TrafficLevel).Valid() {
		problems["trafficLevel"] = "must be one of Low, Medium, High, Severe"
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

// SubmitReport handles POST /api/arrivals/report
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON body"})
		return
	}
	if problems := req.validate(); problems != nil {
		h.countRejection("validation")
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid report",
			Details: problems,
		})
		return
	}

	start := time.Now()
	result, err := h.coordinator.SubmitReport(r.Context(), models.ArrivalReport{
		VehicleID:    req.VehicleID,
		StopID:       req.StopID,
		ClaimedAt:    time.UnixMilli(req.ClaimedTimestamp).UTC(),
		Reporter:     models.Reporter{ID: req.ReporterID, Lat: req.Lat, Lng: req.Lng},
		TrafficLevel: models.TrafficLevel(req.TrafficLevel),
		EventNearby:  req.EventNearby,
	})
	if err != nil {
		var radiusErr *quorum.OutsideRadiusError
		switch {
		case errors.Is(err, quorum.ErrUnknownStop), errors.Is(err, quorum.ErrUnknownVehicle):
			h.countRejection("unknown_reference")
			respondJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		case errors.As(err, &radiusErr):
			h.countRejection("outside_radius")
			respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error: "Reporter is too far from the stop",
				Details: map[string]interface{}{
					"distanceMeters": radiusErr.DistanceMeters,
					"radiusMeters":   radiusErr.RadiusMeters,
				},
			})
		default:
			log.Printf("Server: report submission failed: %v", err)
			respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to process report"})
		}
		return
	}

	if h.metrics != nil {
		h.metrics.ReportsReceived.Inc()
		switch result.Status {
		case quorum.StatusConfirmed:
			h.metrics.Confirmations.Inc()
			h.metrics.ConfirmLatency.Observe(time.Since(start).Seconds())
		case quorum.StatusVetoed:
			h.metrics.ValidatorVetoes.Inc()
		}
	}

	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) countRejection(reason string) {
	if h.metrics != nil {
		h.metrics.ReportsRejected.WithLabelValues(reason).Inc()
	}
}

// GetETA handles GET /api/eta/{vehicleId}/{stopId}. An optional rider
// location (?lat=..&lng=..) is forwarded to the estimator's feature builder.
func (h *Handler) GetETA(w http.ResponseWriter, r *http.Request) {
	vehicleID, err1 := strconv.ParseInt(chi.URLParam(r, "vehicleId"), 10, 64)
	stopID, err2 := strconv.ParseInt(chi.URLParam(r, "stopId"), 10, 64)
	if err1 != nil || err2 != nil || vehicleID <= 0 || stopID <= 0 {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "vehicleId and stopId must be positive integers"})
		return
	}
	riderLoc, ok := riderLocation(r)
	if !ok {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "lat and lng must be provided together as valid coordinates"})
		return
	}

	vehicle, err := h.vehicles.GetVehicle(r.Context(), vehicleID)
	if err != nil {
		log.Printf("Server: vehicle lookup failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to resolve vehicle"})
		return
	}
	if vehicle == nil {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "Unknown vehicle"})
		return
	}

	start := time.Now()
	estimate, err := h.estimator.Estimate(r.Context(), *vehicle, stopID, riderLoc)
	if err != nil {
		if h.metrics != nil {
			h.metrics.EstimateFailures.Inc()
		}
		if errors.Is(err, eta.ErrNoEstimate) {
			respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "No estimate available for this vehicle and stop"})
			return
		}
		log.Printf("Server: estimate failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to compute estimate"})
		return
	}
	if h.metrics != nil {
		h.metrics.EstimatesServed.Inc()
		h.metrics.EstimateLatency.Observe(time.Since(start).Seconds())
	}
	if h.publisher != nil {
		if err := h.publisher.PublishEstimate(estimate); err != nil {
			log.Printf("Server: estimate publish failed: %v", err)
		}
	}

	respondJSON(w, http.StatusOK, estimate)
}

// riderLocation parses the optional lat/lng query pair. Absent means no rider
// location; a half-given or out-of-range pair is a client error.
func riderLocation(r *http.Request) (*models.Location, bool) {
	latStr, lngStr := r.URL.Query().Get("lat"), r.URL.Query().Get("lng")
	if latStr == "" && lngStr == "" {
		return nil, true
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lng, err2 := strconv.ParseFloat(lngStr, 64)
	if err1 != nil || err2 != nil || !geo.ValidCoordinates(lat, lng) {
		return nil, false
	}
	return &models.Location{Lat: lat, Lng: lng}, true
}

// GetProgress handles GET /api/vehicles/{vehicleId}/progress
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	vehicleID, err := strconv.ParseInt(chi.URLParam(r, "vehicleId"), 10, 64)
	if err != nil || vehicleID <= 0 {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "vehicleId must be a positive integer"})
		return
	}

	last, err := h.prog.LastConfirmedStop(r.Context(), vehicleID)
	if err != nil {
		log.Printf("Server: progress lookup failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to read progress"})
		return
	}
	if last == nil {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "No confirmed progress for this vehicle"})
		return
	}
	respondJSON(w, http.StatusOK, last)
}

// GetReporterProfile handles GET /api/reporters/{reporterId}
func (h *Handler) GetReporterProfile(w http.ResponseWriter, r *http.Request) {
	reporterID := chi.URLParam(r, "reporterId")
	if reporterID == "" {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "reporterId required"})
		return
	}
	profile, err := h.reporters.Profile(r.Context(), reporterID)
	if err != nil {
		log.Printf("Server: reporter profile lookup failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to read reporter profile"})
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// Health handles GET /health with a database connectivity check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.vehicles.GetVehicle(ctx, 1); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": h.now().UTC(),
			"error":     err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"database":  "connected",
		"timestamp": h.now().UTC(),
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Server: failed to encode response: %v", err)
	}
}
