package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("aredn", 5, time.Minute, nil)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
	}
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanSend())

	stats := b.Stats()
	assert.Equal(t, 5, stats.FailureCount)
	assert.Equal(t, int64(5), stats.TotalFailures)
	assert.Greater(t, stats.TotalRejected, int64(0))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("meshtastic", 3, time.Minute, nil)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := New("hamclock", 2, 20*time.Millisecond, nil)

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.CanSend())

	time.Sleep(30 * time.Millisecond)
	// Recovery timeout elapsed: one trial request allowed
	assert.True(t, b.CanSend())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("reticulum", 1, 20*time.Millisecond, nil)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.True(t, b.CanSend())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanSend())
}

func TestRegistry_LazyCreation(t *testing.T) {
	r := NewRegistry(5, time.Minute, nil)

	b1 := r.Get("aredn")
	b2 := r.Get("aredn")
	assert.Same(t, b1, b2)

	r.Get("meshtastic")
	stats := r.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, StateClosed, stats["aredn"].State)
	assert.Equal(t, StateClosed, stats["meshtastic"].State)
}

func TestRegistry_ResetAll(t *testing.T) {
	r := NewRegistry(1, time.Minute, nil)

	r.Get("a").RecordFailure()
	r.Get("b").RecordFailure()
	r.Get("c") // stays closed

	count := r.ResetAll()
	assert.Equal(t, 2, count)

	// reset_all followed by record_success leaves every breaker CLOSED
	for name, stats := range r.AllStats() {
		r.Get(name).RecordSuccess()
		_ = stats
	}
	for _, stats := range r.AllStats() {
		assert.Equal(t, StateClosed, stats.State)
	}
}
