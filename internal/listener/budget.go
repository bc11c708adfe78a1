package listener

import "time"

const (
	// sessionConflictLimit is the elapsed-time ceiling for SessionConflict
	// retries (spec.md §4.3, §8 S4).
	sessionConflictLimit = 4 * time.Minute
	// clockSkewLimit is the elapsed-time ceiling for ClockSkew retries
	// (spec.md §4.3, §8 S5).
	clockSkewLimit = 30 * time.Minute
)

// RetryBudget tracks the two independent elapsed-time limits of spec.md
// §3/§4.3: exceeding one makes that cause's error non-retriable without
// affecting the other. Both reset to zero on every successful session
// creation.
type RetryBudget struct {
	sessionConflictElapsed time.Duration
	clockSkewElapsed       time.Duration
}

// Reset zeroes both budgets, called after every successful CreateSession.
func (b *RetryBudget) Reset() {
	b.sessionConflictElapsed = 0
	b.clockSkewElapsed = 0
}

// AddSessionConflict advances the session-conflict budget by interval and
// reports whether the 4-minute limit has now been exceeded.
func (b *RetryBudget) AddSessionConflict(interval time.Duration) (exceeded bool) {
	b.sessionConflictElapsed += interval
	return b.sessionConflictElapsed >= sessionConflictLimit
}

// AddClockSkew advances the clock-skew budget by interval and reports
// whether the 30-minute limit has now been exceeded.
func (b *RetryBudget) AddClockSkew(interval time.Duration) (exceeded bool) {
	b.clockSkewElapsed += interval
	return b.clockSkewElapsed >= clockSkewLimit
}

// SessionConflictElapsed returns the current session-conflict budget usage,
// mainly for tests and diagnostics.
func (b *RetryBudget) SessionConflictElapsed() time.Duration { return b.sessionConflictElapsed }

// ClockSkewElapsed returns the current clock-skew budget usage, mainly for
// tests and diagnostics.
func (b *RetryBudget) ClockSkewElapsed() time.Duration { return b.clockSkewElapsed }
