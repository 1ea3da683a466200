package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type GaugeVec struct {
	gauges *prometheus.GaugeVec
}

func NewGaugeVec(namespace, subsystem, metricsName, help string, labels []string) *GaugeVec {
	return &GaugeVec{
		gauges: register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      metricsName + "_g",
			Help:      help + " (gauges)",
		}, labels)),
	}
}

// Set sets the gauge, typically to the size of a container.
func (gv *GaugeVec) Set(v float64, labels ...string) {
	gv.gauges.WithLabelValues(labels...).Set(v)
}
