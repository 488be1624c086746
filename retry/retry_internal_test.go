package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayGrowsExponentiallyAndClamps(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 4 * time.Second}

	assert.Equal(t, time.Second, backoffDelay(1, cfg))
	assert.Equal(t, 2*time.Second, backoffDelay(2, cfg))
	assert.Equal(t, 4*time.Second, backoffDelay(3, cfg))
	assert.Equal(t, 4*time.Second, backoffDelay(4, cfg)) // clamped
}

func TestRetryAfterSecondsParsesNumeric(t *testing.T) {
	d, ok := retryAfterSeconds("2")
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
}

func TestRetryAfterSecondsParsesHTTPDate(t *testing.T) {
	future := time.Now().Add(30 * time.Second).UTC().Format(time.RFC1123)
	future = future[:len(future)-3] + "GMT"
	d, ok := retryAfterSeconds(future)
	assert.True(t, ok)
	assert.Greater(t, d, time.Duration(0))
}

func TestRetryAfterSecondsRejectsGarbage(t *testing.T) {
	_, ok := retryAfterSeconds("not-a-date")
	assert.False(t, ok)
}

func TestRetryAfterSecondsEmptyIsAbsent(t *testing.T) {
	_, ok := retryAfterSeconds("")
	assert.False(t, ok)
}
