// Package metrics exposes service counters on a dedicated /metrics listener.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ReportsReceived  prometheus.Counter
	ReportsRejected  *prometheus.CounterVec // reason label
	Confirmations    prometheus.Counter
	ValidatorVetoes  prometheus.Counter
	EstimatesServed  prometheus.Counter
	EstimateFailures prometheus.Counter

	ConfirmLatency  prometheus.Histogram
	EstimateLatency prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ReportsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_reports_received_total",
			Help: "Total arrival reports accepted into a quorum window.",
		}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_rejected_total",
			Help: "Total arrival reports rejected before entering a window.",
		}, []string{"reason"}),
		Confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_confirmations_total",
			Help: "Total quorum-confirmed arrivals.",
		}),
		ValidatorVetoes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_validator_vetoes_total",
			Help: "Total confirmations blocked by the arrival validator.",
		}),
		EstimatesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_estimates_served_total",
			Help: "Total fused ETA estimates served.",
		}),
		EstimateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_estimate_failures_total",
			Help: "Total ETA requests no estimator could answer.",
		}),
		ConfirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_confirmation_duration_seconds",
			Help:    "Duration of the confirmation path, report to durable record.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		EstimateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_estimate_duration_seconds",
			Help:    "Duration of estimate fusion.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
	}

	reg.MustRegister(
		c.ReportsReceived, c.ReportsRejected,
		c.Confirmations, c.ValidatorVetoes,
		c.EstimatesServed, c.EstimateFailures,
		c.ConfirmLatency, c.EstimateLatency,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve exposes /metrics on its own address so the public API surface stays
// clean.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics: server error: %v", err)
		}
	}()
	log.Printf("Metrics: listening on %s", addr)
	return srv
}
