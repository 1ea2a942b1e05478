package metrics

import "time"

type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) RecordTransition(network, status string)             {}
func (nc *NoopCollector) RPCError(network, kind string)                       {}
func (nc *NoopCollector) ConfirmationLatency(network string, d time.Duration) {}
func (nc *NoopCollector) GasDelta(network, operation string, delta int64)     {}
func (nc *NoopCollector) EventDropped()                                       {}

var _ Collector = (*NoopCollector)(nil)
