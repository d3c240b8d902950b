package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewFixedRetryPolicy(3, time.Second)
	transient := errors.New("connection reset")

	assert.Equal(t, 3, p.MaxAttempts())
	assert.True(t, p.ShouldRetry(transient, 1))
	assert.True(t, p.ShouldRetry(transient, 2))
	assert.False(t, p.ShouldRetry(transient, 3))
	assert.False(t, p.ShouldRetry(nil, 1))
	assert.False(t, p.ShouldRetry(fmt.Errorf("fetch: %w", context.Canceled), 1))
	assert.True(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, time.Second, p.Backoff(5))
}

func TestFixedRetryPolicyClampsInputs(t *testing.T) {
	t.Parallel()

	p := NewFixedRetryPolicy(0, -time.Second)
	assert.Equal(t, 1, p.MaxAttempts())
	assert.Equal(t, time.Duration(0), p.Backoff(1))
	assert.False(t, p.ShouldRetry(errors.New("x"), 1))
}
