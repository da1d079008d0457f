package worker

import "github.com/prometheus/client_golang/prometheus"

var durationBuckets = []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800}

type metrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  prometheus.Gauge
	panics    *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitestack",
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Jobs finished by type and final status",
		}, []string{"job_type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitestack",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Handler execution time",
			Buckets:   durationBuckets,
		}, []string{"job_type"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sitestack",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Handlers currently executing",
		}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitestack",
			Subsystem: "worker",
			Name:      "handler_panics_total",
			Help:      "Recovered handler panics",
		}, []string{"job_type"}),
	}

	collectors := []prometheus.Collector{m.processed, m.duration, m.inFlight, m.panics}
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch v := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					if collector == m.processed {
						m.processed = v
					} else if collector == m.panics {
						m.panics = v
					}
				case *prometheus.HistogramVec:
					m.duration = v
				case prometheus.Gauge:
					m.inFlight = v
				}
			}
		}
	}
	return m
}

func (m *metrics) observe(jobType, status string, res Result) {
	m.processed.WithLabelValues(jobType, status).Inc()
	if res.Duration > 0 {
		m.duration.WithLabelValues(jobType).Observe(res.Duration.Seconds())
	}
	if res.Panicked {
		m.panics.WithLabelValues(jobType).Inc()
	}
}

func (m *metrics) track() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}
