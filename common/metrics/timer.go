package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ikenchina/sagastream/common/operator"
)

// NewTimer registers a latency histogram, in seconds.
func NewTimer(namespace, subsystem, metricName, help string, labels []string) *Timer {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      metricName + "_h",
		Help:      help + " (histogram)",
	}, labels)

	return &Timer{
		histogram: register(histogram),
	}
}

type Timer struct {
	histogram *prometheus.HistogramVec
}

// Timer starts timing; call the returned function with label values to observe.
//
//	defer dispatchTimer.Timer()("commit", "ok")
func (t *Timer) Timer() func(values ...string) {
	if t == nil {
		return func(values ...string) {}
	}

	now := time.Now()

	return func(values ...string) {
		t.histogram.WithLabelValues(values...).Observe(time.Since(now).Seconds())
	}
}

// Track starts timing an operation labeled with values. The returned
// function observes it with values and a last label, "ok" or "err"
// depending on *err.
//
//	defer modelTimer.Track("postgres", "Append")(&err)
func (t *Timer) Track(values ...string) func(err *error) {
	timer := t.Timer()
	values = values[:len(values):len(values)]
	return func(err *error) {
		failed := err != nil && *err != nil
		timer(append(values, operator.IfElse(failed, "err", "ok"))...)
	}
}
