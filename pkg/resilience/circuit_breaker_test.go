package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(&Config{Name: "p/m", FailureThreshold: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.Report(FailureTransient)
		assert.Equal(t, StateClosed, cb.State())
	}

	require.NoError(t, cb.Allow())
	cb.Report(FailureTransient)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_RejectsWhileOpen(t *testing.T) {
	cb := New(&Config{Name: "p/m", FailureThreshold: 1, Cooldown: time.Hour})
	require.NoError(t, cb.Allow())
	cb.Report(FailureTransient)
	require.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_SingleSuccessfulProbeClosesFromHalfOpen(t *testing.T) {
	cb := New(&Config{Name: "p/m", FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Millisecond})
	require.NoError(t, cb.Allow())
	cb.Report(FailureTransient)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Report(FailureNone)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailureDuringHalfOpenReopens(t *testing.T) {
	cb := New(&Config{Name: "p/m", FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Millisecond})
	require.NoError(t, cb.Allow())
	cb.Report(FailureTransient)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.Report(FailureTimeout)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_PermanentFailureNeverOpensCircuit(t *testing.T) {
	cb := New(&Config{Name: "p/m", FailureThreshold: 1, Cooldown: time.Minute})
	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Allow())
		cb.Report(FailurePermanent)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(&Config{Name: "p/m", FailureThreshold: 5, Cooldown: time.Minute})
	require.NoError(t, cb.Allow())
	cb.Report(FailureTransient)

	stats := cb.Stats()
	assert.Equal(t, "p/m", stats.Name)
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 1, stats.Failures)
}
