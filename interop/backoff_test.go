package interop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedBackoff(t *testing.T) {
	b := Fixed(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, b.Delay(0))
	assert.Equal(t, 250*time.Millisecond, b.Delay(7))
}

func TestExponentialBackoff(t *testing.T) {
	b := Exponential{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	// large attempt counts must not overflow past the cap
	assert.Equal(t, time.Second, b.Delay(80))
}

func TestExponentialBackoffUncapped(t *testing.T) {
	b := Exponential{Base: time.Millisecond}
	assert.Equal(t, 8*time.Millisecond, b.Delay(3))
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleep(ctx, time.Minute), context.Canceled)

	// a zero delay still notices the cancelled context
	require.ErrorIs(t, sleep(ctx, 0), context.Canceled)
	require.NoError(t, sleep(context.Background(), 0))
}
