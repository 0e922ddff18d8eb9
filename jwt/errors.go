package jwt

import (
	"errors"

	gjwt "github.com/golang-jwt/jwt/v5"
)

// Kind classifies why a credential failed verification.
type Kind uint8

const (
	// KindMissing means no credential was presented.
	KindMissing Kind = iota + 1
	// KindMalformed covers undecodable tokens, signature mismatches, wrong
	// algorithms, and issuer/audience/time-window violations other than expiry.
	KindMalformed
	// KindExpired means the signature verified but the token is past its expiry.
	KindExpired
	// KindMissingSubject means the token verified but carries no subject.
	KindMissingSubject
	// KindSubjectRejected means the subject directory refused the subject.
	KindSubjectRejected
	// KindUnexpected is the catch-all for any other verification failure.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindMalformed:
		return "malformed"
	case KindExpired:
		return "expired"
	case KindMissingSubject:
		return "missing_subject"
	case KindSubjectRejected:
		return "subject_rejected"
	case KindUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

var (
	// ErrMissingCredential is the cause carried by KindMissing failures.
	ErrMissingCredential = errors.New("no credential supplied")
	// ErrMissingSubject is the cause carried by KindMissingSubject failures.
	ErrMissingSubject = errors.New("token has no subject claim")
)

// VerificationError is returned by [Verifier.Verify] for every failure.
type VerificationError struct {
	Kind Kind
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return "credential " + e.Kind.String()
	}
	return "credential " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// NewVerificationError builds a VerificationError. It is exported so subject
// lookups layered over the verifier report through the same taxonomy.
func NewVerificationError(kind Kind, err error) *VerificationError {
	return &VerificationError{Kind: kind, Err: err}
}

// KindOf reports the Kind of err, or KindUnexpected when err is not a
// VerificationError.
func KindOf(err error) Kind {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindUnexpected
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, gjwt.ErrTokenExpired):
		return KindExpired
	case errors.Is(err, gjwt.ErrTokenMalformed),
		errors.Is(err, gjwt.ErrTokenSignatureInvalid),
		errors.Is(err, gjwt.ErrTokenUnverifiable),
		errors.Is(err, gjwt.ErrTokenInvalidIssuer),
		errors.Is(err, gjwt.ErrTokenInvalidAudience),
		errors.Is(err, gjwt.ErrTokenNotValidYet),
		errors.Is(err, gjwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, gjwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, gjwt.ErrTokenInvalidClaims):
		return KindMalformed
	default:
		return KindUnexpected
	}
}
