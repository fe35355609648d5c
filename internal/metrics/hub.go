// Package metrics provides the process-global metric registry shared by
// the runtime and user simulations, plus the HTTP endpoint exposing it.
// The hub is internally synchronized and nil-safe so components can
// record without guard checks.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StatusOK labels a successfully received record.
const StatusOK = "200"

// Hub is a named registry of gauge vectors on top of a private
// prometheus registry. It is created once at startup and passed by
// reference to every component.
type Hub struct {
	registry *prometheus.Registry

	mu     sync.RWMutex
	gauges map[string]*prometheus.GaugeVec

	received *prometheus.GaugeVec
}

// NewHub creates a hub with the standing received-messages gauge
// already registered.
func NewHub() *Hub {
	registry := prometheus.NewRegistry()
	received := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "messages_recv_total",
		Help: "total messages received from source by target",
	}, []string{"source", "target", "status"})
	registry.MustRegister(received)
	return &Hub{
		registry: registry,
		gauges:   make(map[string]*prometheus.GaugeVec),
		received: received,
	}
}

// RegisterGaugeVec registers a named gauge vector. Registering the same
// name twice is an error.
func (h *Hub) RegisterGaugeVec(name, desc string, labels []string) error {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: desc}, labels)
	if err := h.registry.Register(gauge); err != nil {
		return fmt.Errorf("register gauge %s: %w", name, err)
	}
	h.mu.Lock()
	h.gauges[name] = gauge
	h.mu.Unlock()
	return nil
}

// SetGaugeVec sets a labelled gauge value. Unknown names are no-ops.
func (h *Hub) SetGaugeVec(name string, labels []string, value float64) {
	if g := h.gauge(name); g != nil {
		g.WithLabelValues(labels...).Set(value)
	}
}

// AddGaugeVec adds to a labelled gauge value. Unknown names are no-ops.
func (h *Hub) AddGaugeVec(name string, labels []string, value float64) {
	if g := h.gauge(name); g != nil {
		g.WithLabelValues(labels...).Add(value)
	}
}

// IncGaugeVec increments a labelled gauge value. Unknown names are
// no-ops.
func (h *Hub) IncGaugeVec(name string, labels []string) {
	if g := h.gauge(name); g != nil {
		g.WithLabelValues(labels...).Inc()
	}
}

// ResetGaugeVec removes every labelled series of a gauge. Unknown names
// are no-ops.
func (h *Hub) ResetGaugeVec(name string) {
	if g := h.gauge(name); g != nil {
		g.Reset()
	}
}

// Gauge exposes a registered vector, mainly for tests.
func (h *Hub) Gauge(name string) (*prometheus.GaugeVec, bool) {
	g := h.gauge(name)
	return g, g != nil
}

// IncReceived records one inbound record on the standing gauge. Safe on
// a nil hub.
func (h *Hub) IncReceived(source, target, status string) {
	if h == nil {
		return
	}
	h.received.WithLabelValues(source, target, status).Inc()
}

func (h *Hub) gauge(name string) *prometheus.GaugeVec {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.gauges[name]
}
