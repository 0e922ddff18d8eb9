package sockauth

import (
	"errors"
	"strings"

	"github.com/MrEthical07/sockauth/jwt"
	"github.com/MrEthical07/sockauth/session"
)

// Bind commits a verification result to state and returns the admission
// outcome for mode.
//
// Exactly one of claims and verr is expected to be set. In ModeRequired any
// verification failure rejects and marks the state Rejected. In ModeOptional
// a failure binds the state Anonymous and proceeds; the failure is kept as
// the outcome's Cause for logging. Valid claims bind Authenticated in both
// modes.
//
// A state that has already left Pending is never mutated: Bind returns
// Reject(ReasonAuthFailed) with ErrAlreadyBound.
func Bind(state *session.State, claims *jwt.Claims, verr error, mode Mode) Outcome {
	if state == nil {
		return Reject(ReasonAuthFailed, errors.New("nil session state"))
	}
	if state.Bound() {
		return Reject(ReasonAuthFailed, ErrAlreadyBound)
	}
	if !mode.Valid() {
		state.MarkRejected()
		return Reject(ReasonAuthFailed, ErrInvalidMode)
	}

	if verr == nil && claims == nil {
		verr = jwt.NewVerificationError(jwt.KindUnexpected, errors.New("no claims and no error"))
	}
	if verr == nil && strings.TrimSpace(claims.SubjectID()) == "" {
		verr = jwt.NewVerificationError(jwt.KindMissingSubject, jwt.ErrMissingSubject)
	}

	if verr == nil {
		ok := state.BindAuthenticated(session.Identity{
			SubjectID: claims.SubjectID(),
			Email:     claims.Email,
			Role:      claims.Role,
			Username:  claims.Username,
		})
		if !ok {
			return Reject(ReasonAuthFailed, ErrAlreadyBound)
		}
		return Proceed(state)
	}

	if mode == ModeOptional {
		if !state.BindAnonymous() {
			return Reject(ReasonAuthFailed, ErrAlreadyBound)
		}
		out := Proceed(state)
		if jwt.KindOf(verr) != jwt.KindMissing {
			out = out.withCause(verr)
		}
		return out
	}

	if !state.MarkRejected() {
		return Reject(ReasonAuthFailed, ErrAlreadyBound)
	}
	return Reject(ReasonForKind(jwt.KindOf(verr)), verr)
}

// ReasonForKind maps a verification failure to its client-visible reason.
// Malformed tokens, missing subjects and directory refusals all read as
// "Invalid token"; the kind stays in server-side logs.
func ReasonForKind(kind jwt.Kind) Reason {
	switch kind {
	case jwt.KindMissing:
		return ReasonAuthRequired
	case jwt.KindExpired:
		return ReasonTokenExpired
	case jwt.KindMalformed, jwt.KindMissingSubject, jwt.KindSubjectRejected:
		return ReasonInvalidToken
	default:
		return ReasonAuthFailed
	}
}
