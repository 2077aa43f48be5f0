package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// RetryPolicy controls backoff between redeliveries, grounded on
// pkg/queue/consumer.go's DefaultRetryPolicy/deterministicJitter — fixed
// here to use a concrete time.Duration return and a real jitter source
// rather than the teacher's unresolved Clock.Now() signature.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is the stage worker's default: up to five retries
// (see Exhausted) with exponential backoff between 1s and 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// BackoffFor returns the delay the stage worker waits before re-publishing
// an envelope whose retry_count is retryCount (0-based). Jitter is derived
// deterministically from messageID and retryCount via sha256 rather than
// math/rand, so repeated test runs over the same envelope reproduce the
// same schedule.
func (p RetryPolicy) BackoffFor(messageID string, retryCount int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	jitterFrac := deterministicJitter(messageID, retryCount)
	jittered := time.Duration(float64(delay) * (0.85 + 0.3*jitterFrac))
	if jittered > p.MaxDelay {
		jittered = p.MaxDelay
	}
	return jittered
}

// deterministicJitter returns a value in [0, 1) derived from sha256(messageID, retryCount).
func deterministicJitter(messageID string, retryCount int) float64 {
	h := sha256.New()
	h.Write([]byte(messageID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(retryCount))
	h.Write(buf[:])
	sum := h.Sum(nil)
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n) / float64(^uint64(0))
}

// Exhausted reports whether retryCount (the count *before* this attempt)
// has used up the policy's attempts.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}
