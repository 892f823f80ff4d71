// Package retry holds the bounded, fixed-interval backoff policy used for
// failed external fetches. The intent is "keep retrying until the source
// recovers or a deadline passes", not escalating delay.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrGaveUp marks a subject whose retry budget is exhausted. Terminal: no
// further attempts are scheduled once it is reported.
var ErrGaveUp = errors.New("retry budget exhausted")

// Defaults mirror the common case of one attempt per hour for two days.
// Attempt count and elapsed duration are independent give-up knobs.
const (
	DefaultInterval    = time.Hour
	DefaultMaxAttempts = 48
	DefaultMaxElapsed  = 48 * time.Hour
)

// SubjectKey is the composite identity a retry is tracked against.
// Kept structured (never a formatted string) so identities with separators in
// them cannot collide.
type SubjectKey struct {
	Recipient string
	Period    string
}

// String renders the key for logs only.
func (k SubjectKey) String() string { return k.Recipient + "/" + k.Period }

func (k SubjectKey) IsZero() bool { return k.Recipient == "" && k.Period == "" }

// Fetcher re-runs the external operation a retry subject tracks
// (e.g. fetching source content for a recipient and period). The
// implementation owns its own timeouts.
type Fetcher interface {
	Attempt(ctx context.Context, key SubjectKey) error
}

// Policy decides attempt spacing and give-up.
//
// A knob ≤ 0 falls back to its default via Normalized; the scheduler always
// works with a normalized policy.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration
}

// Normalized returns the policy with defaults filled in.
func (p Policy) Normalized() Policy {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = DefaultMaxElapsed
	}
	return p
}

// NextAttempt returns when a subject that just failed should be tried again.
func (p Policy) NextAttempt(now time.Time) time.Time {
	return now.Add(p.Interval)
}

// GiveUp reports whether a subject is out of budget: either the attempt count
// reached MaxAttempts or more than MaxElapsed passed since the first attempt.
// Whichever knob fires first wins.
func (p Policy) GiveUp(attempts int, firstAttempt, now time.Time) bool {
	if attempts >= p.MaxAttempts {
		return true
	}
	if !firstAttempt.IsZero() && now.Sub(firstAttempt) > p.MaxElapsed {
		return true
	}
	return false
}
