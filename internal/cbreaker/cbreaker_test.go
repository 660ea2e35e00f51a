package cbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreakerTripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, time.Hour)
	fail := func(ctx context.Context) (int, error) { return 0, errBoom }

	for range 3 {
		_, err := Do(context.Background(), cb, fail)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.False(t, cb.IsClosed())

	// Open state rejects without invoking the call.
	_, err := Do(context.Background(), cb, func(ctx context.Context) (int, error) {
		t.Fatal("call must not run while open")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrOpenState)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Millisecond)

	_, err := Do(context.Background(), cb, func(ctx context.Context) (int, error) { return 0, errBoom })
	require.ErrorIs(t, err, errBoom)
	require.False(t, cb.IsClosed())

	time.Sleep(5 * time.Millisecond)

	ok := func(ctx context.Context) (int, error) { return 42, nil }
	v, err := Do(context.Background(), cb, ok)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.True(t, cb.Failing(), "half-open until success threshold met")

	_, err = Do(context.Background(), cb, ok)
	require.NoError(t, err)
	assert.True(t, cb.IsClosed())
	assert.False(t, cb.Failing())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Millisecond)

	Do(context.Background(), cb, func(ctx context.Context) (int, error) { return 0, errBoom })
	time.Sleep(5 * time.Millisecond)

	_, err := Do(context.Background(), cb, func(ctx context.Context) (int, error) { return 0, errBoom })
	require.ErrorIs(t, err, errBoom)

	_, err = Do(context.Background(), cb, func(ctx context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrOpenState)
}
