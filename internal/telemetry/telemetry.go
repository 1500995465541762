package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by discovery and connection
// supervision.
//
// Implementations must be safe for concurrent use and cheap to call because
// hooks run inline on bind completion paths.
type Collector interface {
	IncRefresh(outcome string)
	IncDropped(source, reason string)
	IncBindAttempt(provider string)
	IncBindFailure(provider string)
	IncTransition(provider, state string)
	SetHandles(count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncRefresh(string)            {}
func (noopCollector) IncDropped(string, string)    {}
func (noopCollector) IncBindAttempt(string)        {}
func (noopCollector) IncBindFailure(string)        {}
func (noopCollector) IncTransition(string, string) {}
func (noopCollector) SetHandles(int)               {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	refreshes    *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	bindAttempts *prometheus.CounterVec
	bindFailures *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	handles      prometheus.Gauge
}

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Registering twice against the same registerer reuses the
// existing collectors.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var (
		p   PrometheusCollector
		err error
	)
	if p.refreshes, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "pluginlookup_refresh_total",
		Help: "Number of registry refreshes by outcome.",
	}, "outcome"); err != nil {
		return nil, err
	}
	if p.dropped, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "pluginlookup_registrations_dropped_total",
		Help: "Number of registrations skipped during a scan.",
	}, "source", "reason"); err != nil {
		return nil, err
	}
	if p.bindAttempts, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "pluginlookup_bind_attempts_total",
		Help: "Number of connect attempts per provider.",
	}, "provider"); err != nil {
		return nil, err
	}
	if p.bindFailures, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "pluginlookup_bind_failures_total",
		Help: "Number of bind requests that exhausted their retries.",
	}, "provider"); err != nil {
		return nil, err
	}
	if p.transitions, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "pluginlookup_state_transitions_total",
		Help: "Number of connection state transitions per provider and target state.",
	}, "provider", "state"); err != nil {
		return nil, err
	}

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pluginlookup_handles",
		Help: "Number of connection handles held by the supervisor.",
	})
	if err := reg.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(prometheus.Gauge)
		if !ok {
			return nil, err
		}
		gauge = existing
	}
	p.handles = gauge

	return &p, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return counter, nil
}

// IncRefresh counts a refresh with the given outcome (ok, partial, failed).
func (p *PrometheusCollector) IncRefresh(outcome string) {
	if p == nil {
		return
	}
	p.refreshes.WithLabelValues(outcome).Inc()
}

// IncDropped counts a registration skipped by the scanner.
func (p *PrometheusCollector) IncDropped(source, reason string) {
	if p == nil {
		return
	}
	p.dropped.WithLabelValues(source, reason).Inc()
}

// IncBindAttempt counts a single connect attempt.
func (p *PrometheusCollector) IncBindAttempt(provider string) {
	if p == nil {
		return
	}
	p.bindAttempts.WithLabelValues(provider).Inc()
}

// IncBindFailure counts a bind that gave up.
func (p *PrometheusCollector) IncBindFailure(provider string) {
	if p == nil {
		return
	}
	p.bindFailures.WithLabelValues(provider).Inc()
}

// IncTransition counts a state change into state.
func (p *PrometheusCollector) IncTransition(provider, state string) {
	if p == nil {
		return
	}
	p.transitions.WithLabelValues(provider, state).Inc()
}

// SetHandles records the current collection size.
func (p *PrometheusCollector) SetHandles(count int) {
	if p == nil {
		return
	}
	p.handles.Set(float64(count))
}
