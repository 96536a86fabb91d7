package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewMicroBreaker(3, time.Hour)

	for i := 0; i < 3; i++ {
		require.True(t, b.TryAcquire(), "closed breaker must admit attempt %d", i+1)
		b.OnFailure()
	}

	assert.False(t, b.TryAcquire(), "breaker must be open after 3 consecutive failures")
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := NewMicroBreaker(3, time.Hour)

	b.TryAcquire()
	b.OnFailure()
	b.TryAcquire()
	b.OnFailure()
	b.TryAcquire()
	b.OnSuccess()

	// streak broken: two more failures stay under the threshold
	b.TryAcquire()
	b.OnFailure()
	b.TryAcquire()
	b.OnFailure()
	assert.True(t, b.TryAcquire())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewMicroBreaker(1, 10*time.Millisecond)

	require.True(t, b.TryAcquire())
	b.OnFailure()
	require.False(t, b.TryAcquire())

	time.Sleep(20 * time.Millisecond)

	// one probe admitted, concurrent attempts rejected while it runs
	require.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())

	b.OnSuccess()
	assert.True(t, b.TryAcquire(), "successful probe closes the breaker")
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewMicroBreaker(1, 10*time.Millisecond)

	b.TryAcquire()
	b.OnFailure()
	time.Sleep(20 * time.Millisecond)

	require.True(t, b.TryAcquire())
	b.OnFailure()

	assert.False(t, b.TryAcquire(), "failed probe reopens the breaker")
}
