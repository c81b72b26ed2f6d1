package syncengine

import (
	"time"

	"github.com/algodoeira/baletrack/internal"
)

// BackoffPolicy decides how long the drain loop waits before re-attempting
// an operation that already failed attempt times. Injectable so retry timing
// is testable and tunable independently of the queue logic.
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// NoBackoff retries immediately. Used in tests and acceptable for the small
// attempt cap the engine enforces.
type NoBackoff struct{}

func (NoBackoff) Delay(int) time.Duration { return 0 }

// ExponentialBackoff is randomized exponential backoff with jitter, built on
// the shared backoff helper.
type ExponentialBackoff struct {
	SlotTime time.Duration
	Maximum  time.Duration
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	return internal.GetBackoffTime(int64(attempt), e.SlotTime, e.Maximum)
}

// DefaultBackoff is the production policy: slots of one second, capped at
// half a minute.
var DefaultBackoff = ExponentialBackoff{SlotTime: time.Second, Maximum: 30 * time.Second}
