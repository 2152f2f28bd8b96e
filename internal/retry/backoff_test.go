package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLinearBackoffClampsToMax(t *testing.T) {
	b := Backoff{Kind: BackoffLinear, BaseDelay: 1000 * time.Millisecond, MaxDelay: 3500 * time.Millisecond}
	assert.Equal(t, 3500*time.Millisecond, b.Delay(4))
	assert.Equal(t, 3500*time.Millisecond, b.Delay(5))
}

func TestExponentialBackoffClampsToMax(t *testing.T) {
	b := Backoff{Kind: BackoffExponential, BaseDelay: 1000 * time.Millisecond, MaxDelay: 5000 * time.Millisecond}
	assert.Equal(t, 5000*time.Millisecond, b.Delay(4))
}

func TestExponentialBackoffGrowsBeforeClamp(t *testing.T) {
	b := Backoff{Kind: BackoffExponential, BaseDelay: 1000 * time.Millisecond, MaxDelay: 60 * time.Second}
	assert.Equal(t, 1000*time.Millisecond, b.Delay(1))
	assert.Equal(t, 2000*time.Millisecond, b.Delay(2))
	assert.Equal(t, 4000*time.Millisecond, b.Delay(3))
}

func TestFixedBackoffIsConstant(t *testing.T) {
	b := Backoff{Kind: BackoffFixed, BaseDelay: 750 * time.Millisecond, MaxDelay: 10 * time.Second}
	assert.Equal(t, 750*time.Millisecond, b.Delay(1))
	assert.Equal(t, 750*time.Millisecond, b.Delay(7))
	assert.Equal(t, 750*time.Millisecond, b.Delay(100))
}

func TestJitterNeverExceedsMaxDelay(t *testing.T) {
	b := Backoff{
		Kind:      BackoffExponential,
		BaseDelay: 1000 * time.Millisecond,
		MaxDelay:  5000 * time.Millisecond,
		Jitter:    true,
	}
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			assert.LessOrEqual(t, d, 5000*time.Millisecond)
			assert.GreaterOrEqual(t, d, time.Duration(0))
		}
	}
}

func TestTotalDelayExcludesFirstAttempt(t *testing.T) {
	b := Backoff{Kind: BackoffFixed, BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second}
	// attempts 2..4 contribute, attempt 1 does not.
	assert.Equal(t, 3*time.Second, b.TotalDelay(4))
	assert.Equal(t, time.Duration(0), b.TotalDelay(1))
}

func TestPolicyIsRetryableByExitCode(t *testing.T) {
	p := Policy{RetryableExitCodes: []int{1, 137}}
	assert.True(t, p.IsRetryable(137, ""))
	assert.False(t, p.IsRetryable(2, ""))
}

func TestPolicyIsRetryableByErrorSubstring(t *testing.T) {
	p := Policy{RetryableErrors: []string{"connection reset", "timeout"}}
	assert.True(t, p.IsRetryable(0, "read: connection reset by peer"))
	assert.False(t, p.IsRetryable(0, "permission denied"))
}
