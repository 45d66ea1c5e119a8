//go:build linux || darwin

package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyRecorder(t *testing.T) {
	var r latencyRecorder
	assert.Equal(t, LatencyMetrics{}, r.sample())

	for i := 1; i <= 100; i++ {
		r.record(time.Duration(i) * time.Millisecond)
	}
	m := r.sample()
	assert.Equal(t, 100, m.Count)
	assert.Equal(t, 51*time.Millisecond, m.P50)
	assert.Equal(t, 100*time.Millisecond, m.P99)
	assert.Equal(t, 100*time.Millisecond, m.Max)
	assert.Equal(t, 50500*time.Microsecond, m.Mean)
}

func TestLatencyRecorder_RollingWindow(t *testing.T) {
	var r latencyRecorder
	for i := 0; i < sampleSize; i++ {
		r.record(time.Second)
	}
	for i := 0; i < sampleSize; i++ {
		r.record(time.Millisecond)
	}
	m := r.sample()
	assert.Equal(t, sampleSize, m.Count)
	assert.Equal(t, time.Millisecond, m.Max)
	assert.Equal(t, time.Millisecond, m.Mean)
}

func TestPercentileIndex(t *testing.T) {
	assert.Equal(t, 0, percentileIndex(1, 99))
	assert.Equal(t, 5, percentileIndex(10, 50))
	assert.Equal(t, 9, percentileIndex(10, 100))
}

func TestMetrics_Disabled(t *testing.T) {
	loop := newTestLoop(t)
	require.NoError(t, loop.RunTimeout(testContext(t), 0))
	assert.Equal(t, Metrics{}, loop.Metrics())
}

func TestMetrics_ReadPath(t *testing.T) {
	requireCommand(t, "echo")
	loop := newTestLoop(t, WithMetrics(true))

	s, err := loop.Spawn([]string{"echo", "hello"})
	require.NoError(t, err)
	require.NoError(t, s.ReadStart(func([]byte) {}))
	require.NoError(t, loop.Run(testContext(t)))
	s.Release()

	m := loop.Metrics()
	assert.Equal(t, uint64(1), m.Chunks)
	assert.Equal(t, uint64(6), m.BytesRead)
	assert.Equal(t, uint64(1), m.Spawned)
	assert.Equal(t, uint64(1), m.Exited)
	assert.NotZero(t, m.Iterations)
	assert.Equal(t, 1, m.ReadLatency.Count)
}
