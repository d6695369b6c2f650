package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/eta"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/metrics"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/models"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/progression"
	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/quorum"
)

type fakeCoordinator struct {
	result *quorum.Result
	err    error
	got    *models.ArrivalReport
}

func (f *fakeCoordinator) SubmitReport(_ context.Context, report models.ArrivalReport) (*quorum.Result, error) {
	f.got = &report
	return f.result, f.err
}

type fakeEstimator struct {
	estimate    *eta.Estimate
	err         error
	gotRiderLoc *models.Location
}

func (f *fakeEstimator) Estimate(_ context.Context, _ models.Vehicle, _ int64, riderLoc *models.Location) (*eta.Estimate, error) {
	f.gotRiderLoc = riderLoc
	return f.estimate, f.err
}

type fakeProgress struct{ last *progression.LastConfirmed }

func (f *fakeProgress) LastConfirmedStop(context.Context, int64) (*progression.LastConfirmed, error) {
	return f.last, nil
}

type fakeReporters struct{}

func (fakeReporters) Profile(_ context.Context, id string) (models.ReporterProfile, error) {
	return models.ReporterProfile{ReporterID: id, TotalReports: 5, ConfirmedReports: 4, Accuracy: 0.8}, nil
}

type fakeVehicles struct{ vehicles map[int64]*models.Vehicle }

func (f *fakeVehicles) GetVehicle(_ context.Context, id int64) (*models.Vehicle, error) {
	return f.vehicles[id], nil
}

func newTestRouter(c *fakeCoordinator, e *fakeEstimator, p *fakeProgress) http.Handler {
	h := NewHandler(c, e, p, fakeReporters{}, &fakeVehicles{
		vehicles: map[int64]*models.Vehicle{7: {ID: 7, RouteID: 3}},
	}, metrics.NewCollector())
	h.now = func() time.Time { return time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC) }
	return NewRouter(h, []string{"*"})
}

func postReport(t *testing.T, router http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/arrivals/report", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func validReport() ReportRequest {
	return ReportRequest{
		VehicleID:        7,
		StopID:           5,
		ReporterID:       "rider-1",
		ClaimedTimestamp: time.Date(2026, 3, 10, 7, 59, 30, 0, time.UTC).UnixMilli(),
		Lat:              41.4,
		Lng:              2.17,
	}
}

func TestSubmitReportOK(t *testing.T) {
	c := &fakeCoordinator{result: &quorum.Result{Status: quorum.StatusPending, ReportCount: 1, Threshold: 3}}
	router := newTestRouter(c, &fakeEstimator{}, &fakeProgress{})

	rec := postReport(t, router, validReport())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var result quorum.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != quorum.StatusPending || result.ReportCount != 1 {
		t.Errorf("result = %+v", result)
	}
	if c.got == nil || c.got.Reporter.ID != "rider-1" {
		t.Errorf("coordinator got %+v", c.got)
	}
	// The rider's claimed time carries through, not the server receive time.
	want := time.Date(2026, 3, 10, 7, 59, 30, 0, time.UTC)
	if !c.got.ClaimedAt.Equal(want) {
		t.Errorf("ClaimedAt = %v, expected %v", c.got.ClaimedAt, want)
	}
}

func TestSubmitReportValidation(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{}, &fakeEstimator{}, &fakeProgress{})

	bad := validReport()
	bad.VehicleID = 0
	bad.ReporterID = ""
	bad.ClaimedTimestamp = 0
	bad.Lat = 123 // out of range
	bad.TrafficLevel = "Gridlock"

	rec := postReport(t, router, bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, expected 400", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"vehicleId", "reporterId", "claimedTimestamp", "location", "trafficLevel"} {
		if _, ok := resp.Details[field]; !ok {
			t.Errorf("missing validation detail for %s in %v", field, resp.Details)
		}
	}
	if _, ok := resp.Details["stopId"]; ok {
		t.Error("stopId was valid but flagged")
	}
}

func TestSubmitReportBadJSON(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{}, &fakeEstimator{}, &fakeProgress{})

	req := httptest.NewRequest(http.MethodPost, "/api/arrivals/report", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, expected 400", rec.Code)
	}
}

func TestSubmitReportErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown stop", quorum.ErrUnknownStop, http.StatusNotFound},
		{"unknown vehicle", quorum.ErrUnknownVehicle, http.StatusNotFound},
		{"outside radius", &quorum.OutsideRadiusError{DistanceMeters: 250, RadiusMeters: 100}, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(&fakeCoordinator{err: tc.err}, &fakeEstimator{}, &fakeProgress{})
			rec := postReport(t, router, validReport())
			if rec.Code != tc.status {
				t.Errorf("status = %d, expected %d", rec.Code, tc.status)
			}
		})
	}
}

func TestGetETA(t *testing.T) {
	est := &eta.Estimate{VehicleID: 7, StopID: 5, ETASeconds: 300, Confidence: 0.7}
	router := newTestRouter(&fakeCoordinator{}, &fakeEstimator{estimate: est}, &fakeProgress{})

	req := httptest.NewRequest(http.MethodGet, "/api/eta/7/5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var got eta.Estimate
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ETASeconds != 300 {
		t.Errorf("ETASeconds = %v", got.ETASeconds)
	}
}

func TestGetETARiderLocation(t *testing.T) {
	est := &eta.Estimate{VehicleID: 7, StopID: 5, ETASeconds: 300}
	e := &fakeEstimator{estimate: est}
	router := newTestRouter(&fakeCoordinator{}, e, &fakeProgress{})

	req := httptest.NewRequest(http.MethodGet, "/api/eta/7/5?lat=41.4&lng=2.17", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if e.gotRiderLoc == nil || e.gotRiderLoc.Lat != 41.4 || e.gotRiderLoc.Lng != 2.17 {
		t.Errorf("rider location = %+v", e.gotRiderLoc)
	}

	// Without the query pair the estimator sees no location.
	e.gotRiderLoc = &models.Location{}
	req = httptest.NewRequest(http.MethodGet, "/api/eta/7/5", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if e.gotRiderLoc != nil {
		t.Errorf("rider location = %+v, expected nil", e.gotRiderLoc)
	}
}

func TestGetETAErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		est    *fakeEstimator
		status int
	}{
		{"non-numeric params", "/api/eta/abc/5", &fakeEstimator{}, http.StatusBadRequest},
		{"unknown vehicle", "/api/eta/99/5", &fakeEstimator{}, http.StatusNotFound},
		{"no estimate", "/api/eta/7/5", &fakeEstimator{err: eta.ErrNoEstimate}, http.StatusNotFound},
		{"half a rider location", "/api/eta/7/5?lat=41.4", &fakeEstimator{}, http.StatusBadRequest},
		{"out-of-range rider location", "/api/eta/7/5?lat=123&lng=2.17", &fakeEstimator{}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(&fakeCoordinator{}, tc.est, &fakeProgress{})
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Errorf("status = %d, expected %d", rec.Code, tc.status)
			}
		})
	}
}

func TestGetProgress(t *testing.T) {
	last := &progression.LastConfirmed{StopID: 5, ConfirmedAt: time.Now(), MinutesSince: 2}
	router := newTestRouter(&fakeCoordinator{}, &fakeEstimator{}, &fakeProgress{last: last})

	req := httptest.NewRequest(http.MethodGet, "/api/vehicles/7/progress", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	// A vehicle with no confirmed progress is a 404, not an empty body.
	router = newTestRouter(&fakeCoordinator{}, &fakeEstimator{}, &fakeProgress{})
	req = httptest.NewRequest(http.MethodGet, "/api/vehicles/7/progress", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, expected 404", rec.Code)
	}
}

func TestGetReporterProfile(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{}, &fakeEstimator{}, &fakeProgress{})

	req := httptest.NewRequest(http.MethodGet, "/api/reporters/rider-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var p models.ReporterProfile
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Accuracy != 0.8 {
		t.Errorf("Accuracy = %v", p.Accuracy)
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&fakeCoordinator{}, &fakeEstimator{}, &fakeProgress{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
