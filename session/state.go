package session

import (
	"sync/atomic"
	"time"
)

// Phase is the authentication sub-lifecycle of a connection.
type Phase int32

const (
	// PhasePending is the initial phase; no handler may observe it.
	PhasePending Phase = iota
	// PhaseAuthenticated means verified claims were bound.
	PhaseAuthenticated
	// PhaseAnonymous means the connection proceeds without identity.
	PhaseAnonymous
	// PhaseRejected is terminal; the connection is refused.
	PhaseRejected
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseAnonymous:
		return "anonymous"
	case PhaseRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Identity is the verified identity bound to an authenticated connection.
type Identity struct {
	SubjectID string
	Email     string
	Role      string
	Username  string
}

type snapshot struct {
	phase    Phase
	identity Identity
}

var pendingSnapshot = &snapshot{phase: PhasePending}

// State is the connection-scoped authentication record.
//
// The zero value is not usable; create states with [NewState].
type State struct {
	connID    string
	createdAt time.Time
	current   atomic.Pointer[snapshot]
}

// NewState returns a Pending state for the connection identified by connID.
func NewState(connID string, createdAt time.Time) *State {
	s := &State{connID: connID, createdAt: createdAt}
	s.current.Store(pendingSnapshot)
	return s
}

// BindAuthenticated moves a Pending state to Authenticated. It reports false
// and leaves the state untouched if the state was already bound.
func (s *State) BindAuthenticated(id Identity) bool {
	return s.current.CompareAndSwap(pendingSnapshot, &snapshot{phase: PhaseAuthenticated, identity: id})
}

// BindAnonymous moves a Pending state to Anonymous.
func (s *State) BindAnonymous() bool {
	return s.current.CompareAndSwap(pendingSnapshot, &snapshot{phase: PhaseAnonymous})
}

// MarkRejected moves a Pending state to Rejected.
func (s *State) MarkRejected() bool {
	return s.current.CompareAndSwap(pendingSnapshot, &snapshot{phase: PhaseRejected})
}

// ConnID returns the connection identifier the state belongs to.
func (s *State) ConnID() string { return s.connID }

// CreatedAt returns when the state was created.
func (s *State) CreatedAt() time.Time { return s.createdAt }

// Phase returns the current phase.
func (s *State) Phase() Phase { return s.current.Load().phase }

// Bound reports whether the state has left Pending.
func (s *State) Bound() bool { return s.Phase() != PhasePending }

// SubjectID returns the bound subject. ok is false unless the connection is
// authenticated.
func (s *State) SubjectID() (string, bool) {
	snap := s.current.Load()
	if snap.phase != PhaseAuthenticated {
		return "", false
	}
	return snap.identity.SubjectID, true
}

// Role returns the bound role, empty when unset or unauthenticated.
func (s *State) Role() string {
	snap := s.current.Load()
	if snap.phase != PhaseAuthenticated {
		return ""
	}
	return snap.identity.Role
}

// Email returns the bound email, empty when unset or unauthenticated.
func (s *State) Email() string {
	snap := s.current.Load()
	if snap.phase != PhaseAuthenticated {
		return ""
	}
	return snap.identity.Email
}

// IsAnonymous reports whether the connection was bound as anonymous.
func (s *State) IsAnonymous() bool { return s.Phase() == PhaseAnonymous }

// Identity returns a copy of the bound identity and whether one is bound.
func (s *State) Identity() (Identity, bool) {
	snap := s.current.Load()
	return snap.identity, snap.phase == PhaseAuthenticated
}
