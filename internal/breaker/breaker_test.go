package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RetryTimeout:     20 * time.Millisecond,
	}
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := New(testConfig())
	assert.Equal(t, Closed, b.GetState())

	b.RecordFailure(errors.New("boom"))
	b.RecordFailure(errors.New("boom"))
	assert.Equal(t, Closed, b.GetState(), "below threshold stays closed")

	b.RecordFailure(errors.New("boom"))
	assert.Equal(t, Open, b.GetState())
	assert.False(t, b.ShouldAllowRequest(), "an open breaker denies requests before the retry timeout")
}

func TestBreaker_HalfOpenAfterRetryTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RetryTimeout = 1 * time.Millisecond
	b := New(cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure(errors.New("boom"))
	}
	require.Equal(t, Open, b.GetState())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, b.ShouldAllowRequest())
	assert.Equal(t, HalfOpen, b.GetState())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.RetryTimeout = 1 * time.Millisecond
	b := New(cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure(errors.New("boom"))
	}
	time.Sleep(5 * time.Millisecond)
	require.True(t, b.ShouldAllowRequest())
	require.Equal(t, HalfOpen, b.GetState())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.GetState(), "one success is below SuccessThreshold=2")
	b.RecordSuccess()
	assert.Equal(t, Closed, b.GetState())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cfg := testConfig()
	cfg.RetryTimeout = 1 * time.Millisecond
	b := New(cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure(errors.New("boom"))
	}
	time.Sleep(5 * time.Millisecond)
	require.True(t, b.ShouldAllowRequest())
	require.Equal(t, HalfOpen, b.GetState())

	b.RecordFailure(errors.New("still broken"))
	assert.Equal(t, Open, b.GetState())
}

func TestBreaker_LatencyThresholdTripsAfterConsecutiveChecks(t *testing.T) {
	cfg := testConfig()
	cfg.LatencyThresholdMs = 100
	cfg.LatencyConsecutiveChecks = 2
	cfg.LatencyWindow = time.Second
	b := New(cfg)

	b.RecordLatency(500)
	b.CheckLatencyThreshold()
	assert.Equal(t, Closed, b.GetState())

	b.RecordLatency(500)
	b.CheckLatencyThreshold()
	assert.Equal(t, Open, b.GetState())
}

func TestBreaker_RecordLatencyIgnoresNonPositive(t *testing.T) {
	b := New(testConfig())
	b.RecordLatency(0)
	b.RecordLatency(-5)
	m := b.GetMetrics()
	assert.Equal(t, 0, m.LatencySamples)
}

func TestBreaker_GetMetricsComputesPercentiles(t *testing.T) {
	b := New(testConfig())
	for _, v := range []float64{10, 20, 30, 40, 50} {
		b.RecordLatency(v)
	}
	m := b.GetMetrics()
	assert.Equal(t, 5, m.LatencySamples)
	assert.Equal(t, 10.0, m.MinLatencyMs)
	assert.Equal(t, 50.0, m.MaxLatencyMs)
	assert.Equal(t, 30.0, m.P50LatencyMs)
}

func TestBreaker_ListenerNotifiedOnTransition(t *testing.T) {
	b := New(testConfig())
	var gotState State
	var gotReason string
	b.OnStateChangeListener(func(newState State, reason string) {
		gotState = newState
		gotReason = reason
	})

	for i := 0; i < testConfig().FailureThreshold; i++ {
		b.RecordFailure(errors.New("boom"))
	}

	assert.Equal(t, Open, gotState)
	assert.NotEmpty(t, gotReason)
}

func TestBreaker_Reset(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < testConfig().FailureThreshold; i++ {
		b.RecordFailure(errors.New("boom"))
	}
	require.Equal(t, Open, b.GetState())

	b.Reset()
	assert.Equal(t, Closed, b.GetState())
	assert.True(t, b.ShouldAllowRequest())
}
