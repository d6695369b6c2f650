// Package notify publishes confirmation and estimate events over NATS for
// downstream consumers (websocket gateways, dashboards). Publishing is
// best-effort; the caller decides whether a publish error matters.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Crowd-Based-Bus-Tracking-System/backend/internal/eta"
)

const (
	subjectConfirmed = "arrivals.confirmed"
	subjectEstimate  = "arrivals.estimate"
)

// ConfirmationEvent announces a quorum-confirmed arrival.
type ConfirmationEvent struct {
	VehicleID   int64     `json:"vehicleId"`
	StopID      int64     `json:"stopId"`
	ReportCount int       `json:"reportCount"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// Publisher delivers events to interested consumers.
type Publisher interface {
	PublishConfirmation(ev ConfirmationEvent) error
	PublishEstimate(est *eta.Estimate) error
	Close()
}

// NATSPublisher is the production Publisher.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher connects to NATS with reconnect logging.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("arrival-tracker"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			log.Printf("Notify: nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("Notify: nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("Notify: nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// PublishConfirmation announces a confirmed arrival on the per-vehicle
// subject arrivals.confirmed.<vehicleID>.
func (p *NATSPublisher) PublishConfirmation(ev ConfirmationEvent) error {
	return p.publish(fmt.Sprintf("%s.%d", subjectConfirmed, ev.VehicleID), ev)
}

// PublishEstimate announces a fresh fused estimate on
// arrivals.estimate.<vehicleID>.<stopID>.
func (p *NATSPublisher) PublishEstimate(est *eta.Estimate) error {
	return p.publish(fmt.Sprintf("%s.%d.%d", subjectEstimate, est.VehicleID, est.StopID), est)
}

func (p *NATSPublisher) publish(subject string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, b); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains in-flight messages before closing the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Noop discards every event; used when NATS is not configured.
type Noop struct{}

func (Noop) PublishConfirmation(ConfirmationEvent) error { return nil }
func (Noop) PublishEstimate(*eta.Estimate) error         { return nil }
func (Noop) Close()                                      {}
