package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type CounterVec struct {
	counters *prometheus.CounterVec
}

func NewCounterVec(namespace, subsystem, metricsName, help string, labels []string) *CounterVec {
	cc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      metricsName + "_c",
		Help:      help + " (counters)",
	}, labels)

	return &CounterVec{
		counters: register(cc),
	}
}

func (cv *CounterVec) Inc(labels ...string) {
	cv.counters.WithLabelValues(labels...).Inc()
}

func (cv *CounterVec) Add(count float64, labels ...string) {
	cv.counters.WithLabelValues(labels...).Add(count)
}

// register returns the collector already registered under the same
// description, if any.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	return c
}
