// Package listener owns the session lifecycle and the poll/keepalive loops
// described in spec.md §4.2: CreateSession, GetNextMessageAsync,
// DeleteMessageAsync, DeleteSessionAsync, KeepAlive.
package listener

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies an error returned by the orchestrator into the taxonomy
// of spec.md §7. The taxonomy is language-neutral there; Kind is this
// port's closed set of values.
type Kind int

const (
	KindOther Kind = iota
	KindCancelled
	KindAccessTokenRevoked
	KindSocketFailure
	KindAgentNotFound
	KindPoolNotFound
	KindUnauthorized
	KindSessionConflict
	KindClockSkew
	KindSessionExpired
)

// ClassifiedError pairs a raw error with its taxonomy Kind. AgentServer
// adapters (internal/transport/grpcclient) return errors wrapping a
// ClassifiedError; Classify below unwraps it, falling back to KindOther
// for anything that isn't classified (including context.Canceled, which is
// special-cased to KindCancelled).
type ClassifiedError struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *ClassifiedError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *ClassifiedError) Unwrap() error { return e.cause }

// NewClassifiedError wraps cause with the given taxonomy kind and message.
func NewClassifiedError(kind Kind, message string, cause error) error {
	return &ClassifiedError{Kind: kind, Message: message, cause: cause}
}

// clockSkewSubstring is the literal marker spec.md §4.3/§9 uses to
// recognize a clock-skew OAuth error. Flagged there as fragile: a
// structured error code should replace this if the orchestrator ever
// exposes one.
const clockSkewSubstring = "Current server time is"

// isClockSkewMessage reports whether an OAuth-token error message indicates
// server/client clock disagreement, per the literal substring match
// spec.md §4.3 preserves.
func isClockSkewMessage(msg string) bool {
	return strings.Contains(msg, clockSkewSubstring)
}

// Classify determines the taxonomy Kind of err. It recognizes
// context.Canceled/context.DeadlineExceeded as KindCancelled, unwraps a
// *ClassifiedError if present, and otherwise reports KindOther — the
// "Other" row of spec.md §7's table, which is retriable in every loop.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if ce.Kind == KindAccessTokenRevoked && isClockSkewMessage(ce.Message) {
			return KindClockSkew
		}
		return ce.Kind
	}
	return KindOther
}

// retriableInCreateSession reports whether kind is retriable when raised by
// CreateSession (spec.md §7 column 1). SessionConflict and ClockSkew are
// retriable only up to their respective budgets — callers check the budget
// separately; this function answers "retriable at all", not "still within
// budget".
func retriableInCreateSession(kind Kind) bool {
	switch kind {
	case KindCancelled, KindAccessTokenRevoked, KindSocketFailure, KindAgentNotFound, KindPoolNotFound, KindUnauthorized:
		return false
	case KindSessionConflict, KindClockSkew:
		return true
	default:
		return true // Other
	}
}

// retriableInGetNextMessage reports whether kind is retriable when raised
// by GetNextMessageAsync (spec.md §7 column 2). SessionExpired is handled
// separately by the recovery path, not by this retriability check.
func retriableInGetNextMessage(kind Kind) bool {
	switch kind {
	case KindCancelled, KindAccessTokenRevoked, KindAgentNotFound, KindPoolNotFound, KindUnauthorized:
		return false
	case KindSocketFailure, KindSessionExpired, KindOther:
		return true
	default:
		return true
	}
}
