// Package metrics exports RPC call counters and latencies to Prometheus.
package metrics

import (
	"time"

	"github.com/nuclio/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFault   = "fault"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// UnknownMethod is the method label used for calls to unregistered names, to
// keep label cardinality bounded.
const UnknownMethod = "<unknown>"

// Collector records every dispatched call. A nil *Collector records nothing.
type Collector struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

// NewCollector creates the call metrics and registers them with registerer.
func NewCollector(registerer prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modernrpc_calls_total",
			Help: "Total number of dispatched procedure calls",
		}, []string{"protocol", "method", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modernrpc_call_duration_seconds",
			Help:    "Procedure call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol", "method"}),
	}

	if err := registerer.Register(c.callsTotal); err != nil {
		return nil, errors.Wrap(err, "Failed to register calls metric")
	}
	if err := registerer.Register(c.callDuration); err != nil {
		return nil, errors.Wrap(err, "Failed to register call duration metric")
	}
	return c, nil
}

// Observe records one call.
func (c *Collector) Observe(protocol, method, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.callsTotal.With(prometheus.Labels{
		"protocol": protocol,
		"method":   method,
		"outcome":  outcome,
	}).Inc()
	c.callDuration.With(prometheus.Labels{
		"protocol": protocol,
		"method":   method,
	}).Observe(elapsed.Seconds())
}
