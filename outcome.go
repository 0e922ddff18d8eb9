package sockauth

import (
	"net/http"

	"github.com/MrEthical07/sockauth/session"
)

// Reason is the client-visible rejection message. Values are stable.
type Reason string

const (
	ReasonAuthRequired  Reason = "Authentication required"
	ReasonInvalidToken  Reason = "Invalid token"
	ReasonTokenExpired  Reason = "Token expired"
	ReasonAdminRequired Reason = "Admin access required"
	ReasonAuthFailed    Reason = "Authentication failed"
	ReasonRateLimited   Reason = "Too many connection attempts"
)

// HTTPStatus maps a reason to the status used when a handshake is refused
// before upgrade.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonAdminRequired, ReasonAccessDenied:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

// Outcome is the result of an admission or authorization decision: either
// Proceed, carrying the bound state, or Reject with a Reason.
//
// Cause carries the server-side detail of a rejection (or of an optional-mode
// degradation). It is for logs only and must never be sent to the client.
type Outcome struct {
	state    *session.State
	reason   Reason
	rejected bool
	cause    error
}

// Proceed returns an accepting outcome bound to state.
func Proceed(state *session.State) Outcome {
	return Outcome{state: state}
}

// Reject returns a refusing outcome.
func Reject(reason Reason, cause error) Outcome {
	return Outcome{reason: reason, rejected: true, cause: cause}
}

func (o Outcome) withCause(err error) Outcome {
	o.cause = err
	return o
}

// Proceeded reports whether the outcome accepts.
func (o Outcome) Proceeded() bool { return !o.rejected }

// Rejected reports whether the outcome refuses.
func (o Outcome) Rejected() bool { return o.rejected }

// Reason returns the client-visible reason, empty for Proceed.
func (o Outcome) Reason() Reason { return o.reason }

// State returns the bound state for Proceed, nil for Reject.
func (o Outcome) State() *session.State { return o.state }

// Cause returns the server-side detail, if any.
func (o Outcome) Cause() error { return o.cause }

func (o Outcome) String() string {
	if o.rejected {
		return "reject"
	}
	if o.state != nil && o.state.IsAnonymous() {
		return "anonymous"
	}
	return "proceed"
}
