package sockauth

import (
	"errors"
	"time"
)

var (
	// ErrAdmissionAbandoned is returned by Gate.Admit when the connection went
	// away before the decision was bound. No state was mutated.
	ErrAdmissionAbandoned = errors.New("admission abandoned")
	// ErrGateNotReady is returned when a nil or closed Gate is used.
	ErrGateNotReady = errors.New("gate not ready")
	// ErrInvalidMode is returned for an unknown admission mode.
	ErrInvalidMode = errors.New("invalid admission mode")
	// ErrRateLimited is the server-side cause of a rate-limit rejection.
	ErrRateLimited = errors.New("rate limited")
	// ErrSubjectRejected is the cause carried when the subject directory
	// refuses a verified subject.
	ErrSubjectRejected = errors.New("subject rejected")
	// ErrSubjectLookupTimeout is the cause carried when the subject directory
	// did not answer within the lookup timeout.
	ErrSubjectLookupTimeout = errors.New("subject lookup timed out")
	// ErrAlreadyBound is the cause carried when Bind is called on a state that
	// has left Pending.
	ErrAlreadyBound = errors.New("session state already bound")
	// ErrNotAuthenticated is the cause of an authorization denial on an
	// unauthenticated connection.
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrRoleMismatch is the cause of an authorization denial on an
	// authenticated connection lacking the role.
	ErrRoleMismatch = errors.New("role mismatch")
	// ErrSubjectMismatch is the cause of an ownership denial.
	ErrSubjectMismatch = errors.New("subject does not own resource")
)

// EventRateLimitError is returned by Gate.AllowMessage and
// Gate.AllowSubscription when a connection exhausted its event budget.
type EventRateLimitError struct {
	// Scope is "message" or "subscription".
	Scope string
	// RetryAfter is the window length of the exhausted budget.
	RetryAfter time.Duration
}

func (e *EventRateLimitError) Error() string {
	return e.Scope + " rate limited"
}

func (e *EventRateLimitError) Unwrap() error { return ErrRateLimited }
