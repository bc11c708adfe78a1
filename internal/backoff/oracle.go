// Package backoff computes retry intervals for the session, message-poll,
// and keepalive loops. It is a pure function of (attempt count, policy,
// previous interval) — no clocks, no sleeping, no I/O. Callers own the
// sleep; this package only says how long.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy selects which backoff table an Oracle consults. The active policy
// is read fresh at every loop entry (see config.Manager.EnableProgressiveRetryBackoff),
// never cached at construction.
type Policy int

const (
	// Legacy is the default policy: fixed intervals for session-create and
	// keepalive, randomized intervals for get-next-message.
	Legacy Policy = iota
	// Progressive is the exponential policy shared by all three loops.
	Progressive
)

// Loop identifies which of the three retry loops is asking for an interval.
// Only Legacy distinguishes between loops; Progressive treats them alike.
type Loop int

const (
	LoopSessionCreate Loop = iota
	LoopGetNextMessage
	LoopKeepAlive
)

const (
	progressiveBase    = 1.5
	progressiveCeiling = 300 * time.Second

	legacyFixedInterval = 30 * time.Second

	legacyMessageLowThreshold = 5
	legacyMessageLowMin       = 15 * time.Second
	legacyMessageLowMax       = 30 * time.Second
	legacyMessageHighMin      = 30 * time.Second
	legacyMessageHighMax      = 60 * time.Second

	idlePollMin = 5 * time.Second
	idlePollMax = 15 * time.Second
)

// Oracle computes retry and idle-poll intervals. Construct it with New: it
// owns no state of its own beyond the random source, which New seeds once
// to avoid every agent process drawing an identical sequence. The zero
// value has no random source, so any randomized interval drawn from it
// panics.
type Oracle struct {
	rng *rand.Rand
}

// New returns an Oracle with an independently seeded random source.
// Each call gets its own source so concurrent loops (session-create,
// get-next-message, keepalive) never block each other on a shared lock.
func New() *Oracle {
	return &Oracle{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NextInterval returns the backoff interval for the n-th consecutive error
// (n starts at 1) under the given policy and loop. prev is the interval
// returned by the previous call for this loop, used only to avoid drawing
// an identical random value twice in a row under the Legacy policy.
func (o *Oracle) NextInterval(n int, policy Policy, loop Loop, prev time.Duration) time.Duration {
	if policy == Progressive {
		return progressiveInterval(n)
	}
	return o.legacyInterval(n, loop, prev)
}

// IdlePollInterval returns the sleep interval after a null (no-message)
// poll reply. It is independent of error count and policy.
func (o *Oracle) IdlePollInterval() time.Duration {
	return o.randRange(idlePollMin, idlePollMax, 0)
}

// progressiveInterval computes min(1.5 * 2^n, 300s).
func progressiveInterval(n int) time.Duration {
	seconds := progressiveBase * math.Pow(2, float64(n))
	d := time.Duration(seconds * float64(time.Second))
	if d > progressiveCeiling {
		return progressiveCeiling
	}
	return d
}

func (o *Oracle) legacyInterval(n int, loop Loop, prev time.Duration) time.Duration {
	switch loop {
	case LoopSessionCreate, LoopKeepAlive:
		return legacyFixedInterval
	case LoopGetNextMessage:
		if n <= legacyMessageLowThreshold {
			return o.randRange(legacyMessageLowMin, legacyMessageLowMax, prev)
		}
		return o.randRange(legacyMessageHighMin, legacyMessageHighMax, prev)
	default:
		return legacyFixedInterval
	}
}

// randRange draws a uniform duration in [min, max], redrawing once if the
// result exactly equals avoid — this keeps consecutive retries from reusing
// the identical interval and masking a thundering-herd pattern as a single
// slow retry.
func (o *Oracle) randRange(min, max, avoid time.Duration) time.Duration {
	d := o.draw(min, max)
	if d == avoid {
		d = o.draw(min, max)
	}
	return d
}

func (o *Oracle) draw(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min)
	return min + time.Duration(o.rng.Int63n(span+1))
}
