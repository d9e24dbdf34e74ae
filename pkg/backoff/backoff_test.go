package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialJitterGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		d := ExponentialJitter(base, max, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, max+max/5)
	}

	// Deep attempts stay near the cap despite jitter.
	d := ExponentialJitter(base, max, 20)
	assert.GreaterOrEqual(t, d, max-max/5)
}

func TestExponentialJitterWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := ExponentialJitter(base, time.Minute, 1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestExponentialJitterClampsBadAttempt(t *testing.T) {
	d := ExponentialJitter(100*time.Millisecond, time.Minute, 0)
	assert.GreaterOrEqual(t, d, 80*time.Millisecond)
	assert.LessOrEqual(t, d, 120*time.Millisecond)
}
