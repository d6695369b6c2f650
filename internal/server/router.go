// Package server exposes the public HTTP API: report submission, fused ETAs,
// vehicle progress, and reporter profiles.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// NewRouter assembles the API routes with CORS for browser clients.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Post("/api/arrivals/report", h.SubmitReport)
	r.Get("/api/eta/{vehicleId}/{stopId}", h.GetETA)
	r.Get("/api/vehicles/{vehicleId}/progress", h.GetProgress)
	r.Get("/api/reporters/{reporterId}", h.GetReporterProfile)

	return r
}
