package sockauth

import (
	"fmt"
	"strings"
)

// Mode is the per-endpoint admission policy.
type Mode int

const (
	// ModeRequired rejects every connection without valid claims.
	ModeRequired Mode = iota
	// ModeOptional never rejects on verification; failures bind anonymous.
	ModeOptional
)

func (m Mode) String() string {
	switch m {
	case ModeRequired:
		return "required"
	case ModeOptional:
		return "optional"
	default:
		return "invalid"
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeRequired || m == ModeOptional
}

// ParseMode parses "required" or "optional", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "required":
		return ModeRequired, nil
	case "optional":
		return ModeOptional, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, ErrInvalidMode
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so modes can be read
// from YAML and environment configuration.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
