package query

import (
	"context"
	"errors"
	"fmt"
)

// ErrLadderExhausted is wrapped by FailedError when every execution path timed out.
var ErrLadderExhausted = errors.New("execution ladder exhausted")

// TransientError is a timeout or network blip on a single query. The router
// retries it on the next rung of the ladder.
type TransientError struct {
	Query string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient query error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a malformed query or an authorization denial for one
// item. It is never retried.
type PermanentError struct {
	Query  string
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent query error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent query error: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// BudgetExceededError means a query's estimate would push the session past
// its cost ceiling. It halts new queries but is not fatal.
type BudgetExceededError struct {
	Query     string
	Estimated float64
	Used      float64
	Ceiling   float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("cost budget exceeded: estimate %.4f with %.4f used of %.4f ceiling",
		e.Estimated, e.Used, e.Ceiling)
}

// SessionAbortError is an authentication failure or transport unreachability.
// It terminates the whole session.
type SessionAbortError struct {
	Reason string
	Err    error
}

func (e *SessionAbortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session aborted: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session aborted: %s", e.Reason)
}

func (e *SessionAbortError) Unwrap() error { return e.Err }

// FailedError reports a request whose ladder was exhausted.
type FailedError struct {
	Query    string
	Attempts []Path
	Last     error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("query failed after %d attempts (%v): %v", len(e.Attempts), e.Attempts, e.Last)
}

func (e *FailedError) Unwrap() []error {
	return []error{ErrLadderExhausted, e.Last}
}

// IsTransient reports whether err should advance the ladder. Deadline
// expiry of a single attempt counts as transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t) || errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsBudgetExceeded reports whether err is a BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var b *BudgetExceededError
	return errors.As(err, &b)
}

// IsSessionAbort reports whether err is a SessionAbortError.
func IsSessionAbort(err error) bool {
	var a *SessionAbortError
	return errors.As(err, &a)
}

// IsFailed reports whether err is a FailedError.
func IsFailed(err error) bool {
	var f *FailedError
	return errors.As(err, &f)
}
