package agent

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := RetryPolicy{
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        5 * time.Minute,
		ExponentialBase: 2,
	}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 256*time.Second, p.Delay(8))
}

func TestDelayIsCappedAtMax(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:    time.Second,
		MaxDelay:        5 * time.Minute,
		ExponentialBase: 2,
	}

	// 2^9 = 512s exceeds the 300s cap.
	assert.Equal(t, 5*time.Minute, p.Delay(9))
	// Large attempts must not overflow into negative durations.
	assert.Equal(t, 5*time.Minute, p.Delay(500))
}

func TestBackoffJitterBounds(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:    time.Second,
		MaxDelay:        5 * time.Minute,
		ExponentialBase: 2,
		Jitter:          true,
	}

	raw := p.Delay(3)
	for i := 0; i < 100; i++ {
		b := p.backoff(3)
		assert.GreaterOrEqual(t, b, raw/2)
		assert.Less(t, b, raw)
	}
}

func TestBackoffWithoutJitterIsDeterministic(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:    time.Second,
		MaxDelay:        5 * time.Minute,
		ExponentialBase: 2,
	}
	assert.Equal(t, p.Delay(2), p.backoff(2))
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 5*time.Minute, p.MaxDelay)
	assert.True(t, p.Jitter)
}

func TestPermanentErrorWrapping(t *testing.T) {
	base := errors.New("bad credentials")

	err := Permanent(base)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, base.Error(), err.Error())

	// Permanence survives further wrapping.
	wrapped := fmt.Errorf("fetch documents: %w", err)
	assert.True(t, IsPermanent(wrapped))

	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}
