package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())
	assert.Less(t, time.Since(timer.start), time.Second)
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	d1 := timer.Duration()
	assert.GreaterOrEqual(t, d1, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), d1)
}

func TestTimerObserve(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_transition_seconds",
		Help: "test",
	})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_lock_wait_seconds",
		Help: "test",
	}, []string{"table"})

	timer := NewTimer()
	assert.NotPanics(t, func() {
		timer.ObserveDuration(h)
		timer.ObserveDurationVec(hv, "vm_pool")
	})
}
