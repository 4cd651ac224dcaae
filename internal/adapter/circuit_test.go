package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCircuit(openDuration time.Duration) *CircuitBreaker {
	return NewCircuitBreaker("openai", CircuitConfig{
		FailureThreshold: 5,
		OpenDuration:     openDuration,
	})
}

func TestCircuitStartsClosed(t *testing.T) {
	cb := testCircuit(time.Minute)

	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	cb := testCircuit(time.Minute)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State(), "failure %d should not open circuit", i+1)
	}
	cb.RecordFailure()

	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow(), "6th call must fail fast with no network attempt")
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	cb := testCircuit(time.Minute)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	cb.RecordFailure()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 1, cb.Failures())
}

func TestCircuitHalfOpenSingleProbe(t *testing.T) {
	cb := testCircuit(30 * time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())
	require.False(t, cb.Allow())

	time.Sleep(40 * time.Millisecond)

	assert.True(t, cb.Allow(), "one probe allowed after open_duration")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "no second call while probe in flight")

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitProbeFailureReopens(t *testing.T) {
	cb := testCircuit(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordFailure()

	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow(), "reopened circuit rejects until open_duration elapses again")
}

func TestCircuitTransitionListener(t *testing.T) {
	cb := testCircuit(time.Minute)

	var transitions []string
	cb.OnTransition(func(provider string, from, to CircuitState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, "closed->open", transitions[0])
}
