package sockauth

import "github.com/MrEthical07/sockauth/session"

// RoleAdmin is the role RequireAdmin checks for.
const RoleAdmin = "admin"

// ReasonRoleRequired is returned by RequireRole for roles other than admin.
const ReasonRoleRequired Reason = "Insufficient role"

// ReasonAccessDenied is returned by RequireSubject when the connection does
// not own the resource.
const ReasonAccessDenied Reason = "Access denied"

// StateReader is the read-only view of a bound connection state.
// *session.State satisfies it.
type StateReader interface {
	SubjectID() (string, bool)
	Role() string
}

var _ StateReader = (*session.State)(nil)

// IsAuthenticated reports whether the connection carries a subject.
func IsAuthenticated(s StateReader) bool {
	_, ok := CurrentSubject(s)
	return ok
}

// CurrentSubject returns the bound subject, ok false when there is none.
func CurrentSubject(s StateReader) (string, bool) {
	if s == nil {
		return "", false
	}
	if st, isState := s.(*session.State); isState && st == nil {
		return "", false
	}
	sub, ok := s.SubjectID()
	if !ok || sub == "" {
		return "", false
	}
	return sub, true
}

// HasRole reports an exact, case-sensitive match against the bound role.
// An unset role never matches.
func HasRole(s StateReader, role string) bool {
	if !IsAuthenticated(s) || role == "" {
		return false
	}
	return s.Role() == role
}

// RequireRole proceeds when the connection is authenticated and holds role.
// It rejects with ReasonAuthRequired (cause ErrNotAuthenticated) when there is
// no subject, and with ReasonAdminRequired or ReasonRoleRequired (cause
// ErrRoleMismatch) when the role differs.
func RequireRole(s StateReader, role string) Outcome {
	if !IsAuthenticated(s) {
		return Reject(ReasonAuthRequired, ErrNotAuthenticated)
	}
	if !HasRole(s, role) {
		if role == RoleAdmin {
			return Reject(ReasonAdminRequired, ErrRoleMismatch)
		}
		return Reject(ReasonRoleRequired, ErrRoleMismatch)
	}
	st, _ := s.(*session.State)
	return Proceed(st)
}

// RequireAdmin is RequireRole(s, "admin").
func RequireAdmin(s StateReader) Outcome {
	return RequireRole(s, RoleAdmin)
}

// RequireSubject proceeds when the connection is authenticated as ownerID.
// It rejects with ReasonAuthRequired (cause ErrNotAuthenticated) when there is
// no subject, and with ReasonAccessDenied (cause ErrSubjectMismatch)
// otherwise. An empty ownerID is never owned.
func RequireSubject(s StateReader, ownerID string) Outcome {
	subject, ok := CurrentSubject(s)
	if !ok {
		return Reject(ReasonAuthRequired, ErrNotAuthenticated)
	}
	if ownerID == "" || subject != ownerID {
		return Reject(ReasonAccessDenied, ErrSubjectMismatch)
	}
	st, _ := s.(*session.State)
	return Proceed(st)
}
