package session

// Presence is the registry record of one admitted connection.
type Presence struct {
	ConnID     string
	SubjectID  string
	Role       string
	RemoteAddr string
	Anonymous  bool

	ConnectedAt int64
	LastSeen    int64
}

// PresenceFromState builds a registry record from a bound state.
func PresenceFromState(s *State, remoteAddr string, now int64) *Presence {
	p := &Presence{
		ConnID:      s.ConnID(),
		RemoteAddr:  remoteAddr,
		Anonymous:   s.IsAnonymous(),
		ConnectedAt: s.CreatedAt().Unix(),
		LastSeen:    now,
	}
	if id, ok := s.Identity(); ok {
		p.SubjectID = id.SubjectID
		p.Role = id.Role
	}
	return p
}
