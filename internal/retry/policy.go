// Package retry holds the pure decision logic for failed extraction attempts:
// error classification, backoff computation, and the retry-or-fail call. It
// never touches storage; callers apply the returned decision.
package retry

import (
	"math/rand"
	"time"

	"github.com/dmdorta1111/gridbase-extract/internal/extract"
)

const (
	BaseDelay  = 30 * time.Second
	Multiplier = 4

	// JitterFraction bounds the uniform jitter applied to a computed delay,
	// spreading out retry storms from many jobs failing at once.
	JitterFraction = 0.2
)

// permanentKinds is the allow-list of error kinds that are never retried.
// Every kind outside it defaults to retryable, failing open toward
// availability.
var permanentKinds = map[extract.ErrorKind]bool{
	extract.KindCorruptFile:       true,
	extract.KindUnsupportedSchema: true,
	extract.KindInvalidInput:      true,
}

// Retryable reports whether an error of the given kind is presumed
// recoverable by a later attempt.
func Retryable(kind extract.ErrorKind) bool {
	return !permanentKinds[kind]
}

// Backoff returns the non-jittered delay before the next attempt after
// retryCount prior retries: 30s, 120s, 480s, ...
func Backoff(retryCount int) time.Duration {
	d := BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= Multiplier
	}
	return d
}

// Jitter perturbs d by a uniform factor in [1-JitterFraction, 1+JitterFraction].
func Jitter(d time.Duration) time.Duration {
	f := 1 + JitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// Decision describes the next state for a job whose attempt just failed.
type Decision struct {
	Retry       bool
	RetryCount  int
	NextRetryAt time.Time
	Reason      string
}

// Decide maps a classified extraction error onto the job's next transition.
// A retryable failure increments the retry count; once the incremented count
// reaches maxRetries the job fails with a "max retries exceeded" reason so
// callers can tell "gave up" apart from the final attempt's own error. A
// permanent failure neither retries nor increments.
func Decide(xerr *extract.Error, retryCount, maxRetries int, now time.Time) Decision {
	if !Retryable(xerr.Kind) {
		return Decision{
			Retry:      false,
			RetryCount: retryCount,
			Reason:     xerr.Error(),
		}
	}
	next := retryCount + 1
	if next >= maxRetries {
		if next > maxRetries {
			next = maxRetries
		}
		return Decision{
			Retry:      false,
			RetryCount: next,
			Reason:     "max retries exceeded: " + xerr.Error(),
		}
	}
	return Decision{
		Retry:       true,
		RetryCount:  next,
		NextRetryAt: now.Add(Jitter(Backoff(retryCount))),
		Reason:      xerr.Error(),
	}
}
