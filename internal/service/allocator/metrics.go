package allocator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	allocations *prometheus.CounterVec
	lockRetries *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitestack",
			Subsystem: "allocator",
			Name:      "allocations_total",
			Help:      "Allocation attempts by resource class and outcome",
		}, []string{"class", "result"}),
		lockRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitestack",
			Subsystem: "allocator",
			Name:      "lock_retries_total",
			Help:      "Allocation transactions retried after a lock wait timeout",
		}, []string{"class"}),
	}
	if err := prometheus.Register(m.allocations); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.allocations = existing
			}
		}
	}
	if err := prometheus.Register(m.lockRetries); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.lockRetries = existing
			}
		}
	}
	return m
}

func (m *metrics) observe(class string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrExhausted):
		result = "exhausted"
	case errors.Is(err, ErrConflict):
		result = "conflict"
	default:
		result = "error"
	}
	m.allocations.WithLabelValues(class, result).Inc()
}
