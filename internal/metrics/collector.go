// Package metrics exposes Prometheus collectors for the notarization pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives pipeline measurements. The orchestrator depends on this
// interface; tests pass a NoopCollector.
type Collector interface {
	// RecordTransition counts a record entering status on network.
	RecordTransition(network, status string)
	// RPCError counts a failed chain call by error kind.
	RPCError(network, kind string)
	// ConfirmationLatency observes submission-to-confirmation time.
	ConfirmationLatency(network string, d time.Duration)
	// GasDelta records actual gas used minus the advisory estimate.
	GasDelta(network, operation string, delta int64)
	// EventDropped counts events that could not be queued.
	EventDropped()
}

// NotaryCollector is the Prometheus implementation of Collector.
type NotaryCollector struct {
	transitions  *prometheus.CounterVec
	rpcErrors    *prometheus.CounterVec
	confirmation *prometheus.HistogramVec
	gasDelta     *prometheus.GaugeVec
	dropped      prometheus.Counter
}

// NewNotaryCollector creates the collectors and registers them with registerer.
func NewNotaryCollector(registerer prometheus.Registerer) *NotaryCollector {
	c := &NotaryCollector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceNotary,
			Subsystem: subsystemRecords,
			Name:      "transitions_total",
			Help:      "number of notarization record transitions by network and resulting status",
		}, []string{LabelNetwork, LabelStatus}),

		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceNotary,
			Subsystem: subsystemRPC,
			Name:      "errors_total",
			Help:      "number of failed chain calls by network and error kind",
		}, []string{LabelNetwork, LabelKind}),

		confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceNotary,
			Subsystem: subsystemRecords,
			Name:      "confirmation_seconds",
			Help:      "time from submission to confirmation",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{LabelNetwork}),

		gasDelta: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceNotary,
			Subsystem: subsystemGas,
			Name:      "used_minus_estimate",
			Help:      "actual gas used minus the fixed estimate for the latest confirmed transaction",
		}, []string{LabelNetwork, LabelOperation}),

		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceNotary,
			Subsystem: subsystemEvents,
			Name:      "dropped_total",
			Help:      "number of notarization events that were not published",
		}),
	}

	registerer.MustRegister(c.transitions, c.rpcErrors, c.confirmation, c.gasDelta, c.dropped)
	return c
}

func (c *NotaryCollector) RecordTransition(network, status string) {
	c.transitions.WithLabelValues(network, status).Inc()
}

func (c *NotaryCollector) RPCError(network, kind string) {
	c.rpcErrors.WithLabelValues(network, kind).Inc()
}

func (c *NotaryCollector) ConfirmationLatency(network string, d time.Duration) {
	c.confirmation.WithLabelValues(network).Observe(d.Seconds())
}

func (c *NotaryCollector) GasDelta(network, operation string, delta int64) {
	c.gasDelta.WithLabelValues(network, operation).Set(float64(delta))
}

func (c *NotaryCollector) EventDropped() {
	c.dropped.Inc()
}

var _ Collector = (*NotaryCollector)(nil)
