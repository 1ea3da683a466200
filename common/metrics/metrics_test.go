package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounterRegisterTwice(t *testing.T) {
	c1 := NewCounterVec("test", "metrics", "twice", "twice", []string{"k"})
	var c2 *CounterVec
	require.NotPanics(t, func() {
		c2 = NewCounterVec("test", "metrics", "twice", "twice", []string{"k"})
	})
	c1.Inc("a")
	c2.Add(2, "a")
	require.Equal(t, float64(3), testutil.ToFloat64(c1.counters.WithLabelValues("a")))
}

func TestGauge(t *testing.T) {
	g := NewGaugeVec("test", "metrics", "gauge", "gauge", []string{"k"})
	g.Set(4, "a")
	g.Set(5, "a")
	require.Equal(t, float64(5), testutil.ToFloat64(g.gauges.WithLabelValues("a")))
}

func TestTrack(t *testing.T) {
	timer := NewTimer("test", "metrics", "track", "track", []string{"op", "ret"})
	func() (err error) {
		defer timer.Track("append")(&err)
		return errors.New("failed")
	}()
	func() (err error) {
		defer timer.Track("append")(&err)
		return nil
	}()
	require.Equal(t, 2, testutil.CollectAndCount(timer.histogram))
}

func TestNilTimer(t *testing.T) {
	var timer *Timer
	require.NotPanics(t, func() {
		timer.Timer()("x")
	})
}
