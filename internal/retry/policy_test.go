package retry

import (
	"strings"
	"testing"
	"time"

	"github.com/dmdorta1111/gridbase-extract/internal/extract"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		kind extract.ErrorKind
		want bool
	}{
		{extract.KindCorruptFile, false},
		{extract.KindUnsupportedSchema, false},
		{extract.KindInvalidInput, false},
		{extract.KindServiceUnavailable, true},
		{extract.KindTimeout, true},
		{extract.KindResourceExhausted, true},
		{extract.KindUnknown, true},
		// Unlisted kinds fail open toward availability.
		{extract.ErrorKind("something_new"), true},
	}
	for _, c := range cases {
		if got := Retryable(c.kind); got != c.want {
			t.Errorf("Retryable(%q) = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{30 * time.Second, 120 * time.Second, 480 * time.Second, 1920 * time.Second}
	for i, w := range want {
		if got := Backoff(i); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", i, got, w)
		}
	}
}

func TestBackoffStrictlyIncreasing(t *testing.T) {
	for i := 0; i < 8; i++ {
		if Backoff(i+1) <= Backoff(i) {
			t.Fatalf("Backoff(%d)=%s not greater than Backoff(%d)=%s", i+1, Backoff(i+1), i, Backoff(i))
		}
	}
}

func TestJitterBounds(t *testing.T) {
	d := 100 * time.Second
	lo := time.Duration(float64(d) * (1 - JitterFraction))
	hi := time.Duration(float64(d) * (1 + JitterFraction))
	for i := 0; i < 200; i++ {
		j := Jitter(d)
		if j < lo || j > hi {
			t.Fatalf("Jitter(%s) = %s outside [%s, %s]", d, j, lo, hi)
		}
	}
}

func TestDecideRetriesTransient(t *testing.T) {
	now := time.Now().UTC()
	xerr := extract.Errorf(extract.KindTimeout, "upstream slow")
	d := Decide(xerr, 0, 3, now)
	if !d.Retry {
		t.Fatal("expected retry")
	}
	if d.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", d.RetryCount)
	}
	if !d.NextRetryAt.After(now) {
		t.Fatalf("NextRetryAt %s not after now %s", d.NextRetryAt, now)
	}
	if d.Reason != xerr.Error() {
		t.Fatalf("Reason = %q, want underlying error", d.Reason)
	}
}

func TestDecidePermanentNeverRetries(t *testing.T) {
	d := Decide(extract.Errorf(extract.KindCorruptFile, "bad xref table"), 0, 3, time.Now())
	if d.Retry {
		t.Fatal("permanent error must not retry")
	}
	if d.RetryCount != 0 {
		t.Fatalf("permanent failure must not consume retry budget, got %d", d.RetryCount)
	}
	if !strings.Contains(d.Reason, "bad xref table") {
		t.Fatalf("Reason = %q, want verbatim error", d.Reason)
	}
}

// Three transient failures with max_retries=3: the first two release for
// retry, the third exhausts the budget and fails with the distinct
// "max retries exceeded" classification. No fourth attempt can happen.
func TestDecideRetryBudgetExhaustion(t *testing.T) {
	now := time.Now().UTC()
	xerr := extract.Errorf(extract.KindServiceUnavailable, "analysis down")

	d1 := Decide(xerr, 0, 3, now)
	if !d1.Retry || d1.RetryCount != 1 {
		t.Fatalf("first failure: %+v", d1)
	}
	d2 := Decide(xerr, d1.RetryCount, 3, now)
	if !d2.Retry || d2.RetryCount != 2 {
		t.Fatalf("second failure: %+v", d2)
	}
	d3 := Decide(xerr, d2.RetryCount, 3, now)
	if d3.Retry {
		t.Fatal("third failure must give up")
	}
	if d3.RetryCount != 3 {
		t.Fatalf("RetryCount = %d, must equal max_retries", d3.RetryCount)
	}
	if !strings.HasPrefix(d3.Reason, "max retries exceeded") {
		t.Fatalf("Reason = %q, want max-retries classification", d3.Reason)
	}
	if !strings.Contains(d3.Reason, "analysis down") {
		t.Fatalf("Reason = %q, want underlying error preserved", d3.Reason)
	}
}

func TestDecideCountNeverExceedsMax(t *testing.T) {
	xerr := extract.Errorf(extract.KindTimeout, "slow")
	for rc := 0; rc < 6; rc++ {
		d := Decide(xerr, rc, 3, time.Now())
		if d.RetryCount > 3 {
			t.Fatalf("Decide(rc=%d) produced count %d > max 3", rc, d.RetryCount)
		}
	}
}

func TestDecideBackoffGrowsAcrossRetries(t *testing.T) {
	now := time.Now().UTC()
	xerr := extract.Errorf(extract.KindTimeout, "slow")
	d1 := Decide(xerr, 0, 10, now)
	d2 := Decide(xerr, 3, 10, now)
	// Jitter is at most ±20%, far smaller than the 4x growth per step.
	if !d2.NextRetryAt.After(d1.NextRetryAt) {
		t.Fatalf("later retry should back off longer: %s vs %s", d1.NextRetryAt, d2.NextRetryAt)
	}
}
