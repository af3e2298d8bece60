package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffRetryPolicy_GetDelay(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, time.Second, p.GetDelay(1))
	assert.Equal(t, 2*time.Second, p.GetDelay(2))
	assert.Equal(t, 4*time.Second, p.GetDelay(3))
	assert.Equal(t, 8*time.Second, p.GetDelay(4))

	p.MaxDelay = 5 * time.Second
	assert.Equal(t, 5*time.Second, p.GetDelay(4))
}

func TestExponentialBackoffRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	err := errors.New("store unavailable")

	for attempt := 1; attempt < 5; attempt++ {
		assert.True(t, p.ShouldRetry(attempt, err), "attempt %d", attempt)
	}
	assert.False(t, p.ShouldRetry(5, err))
	assert.False(t, p.ShouldRetry(1, nil))
}

func TestRetryHeaders(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	msg := &Message{ID: "m-1", Subject: "OrderCreated", Attempt: 2, Headers: map[string]string{"traceparent": "x"}}

	headers := RetryHeaders(msg, 4*time.Second, now)

	assert.Equal(t, 3, AttemptFromHeaders(headers))
	assert.Equal(t, now.Add(4*time.Second), NotBeforeFromHeaders(headers))
	assert.Equal(t, "x", headers["traceparent"])
	assert.Equal(t, "m-1", headers[HeaderMessageID])
	assert.NotContains(t, msg.Headers, HeaderAttempt, "source headers must not be mutated")
}

func TestAttemptFromHeaders_Default(t *testing.T) {
	assert.Equal(t, 1, AttemptFromHeaders(nil))
	assert.Equal(t, 1, AttemptFromHeaders(map[string]string{HeaderAttempt: "garbage"}))
	assert.True(t, NotBeforeFromHeaders(nil).IsZero())
}
