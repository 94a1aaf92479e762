package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-open", 3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Call(func() error { return boom }), boom)
	}
	assert.True(t, cb.IsOpen())

	called := false
	err := cb.Call(func() error { called = true; return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open")
	assert.False(t, called, "open breaker must not invoke fn")
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-recover", 1, 10*time.Millisecond)
	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	assert.True(t, cb.IsOpen())

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Call(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-reset", 2, time.Minute)
	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	require.NoError(t, cb.Call(func() error { return nil }))
	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-force", 1, time.Hour)
	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	assert.True(t, cb.IsOpen())
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}
