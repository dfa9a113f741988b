package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAdmitsSequentialCallsBeyondBurst(t *testing.T) {
	l := NewLimiter(RateLimit{Calls: 50, Seconds: 1})

	// Per-call acquisition must be able to run past the burst size.
	for i := 0; i < 60; i++ {
		require.NoError(t, WaitN(context.Background(), l, 1))
	}
}

func TestLimiterUnlimitedWhenUndeclared(t *testing.T) {
	l := NewLimiter(RateLimit{})
	for i := 0; i < 100; i++ {
		require.NoError(t, WaitN(context.Background(), l, 1))
	}
}

func TestWaitNNilLimiter(t *testing.T) {
	assert.NoError(t, WaitN(context.Background(), nil, 1))
}

func TestWaitNHonorsContextDeadline(t *testing.T) {
	l := NewLimiter(RateLimit{Calls: 1, Seconds: 3600})
	require.NoError(t, WaitN(context.Background(), l, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, WaitN(ctx, l, 1))
}
