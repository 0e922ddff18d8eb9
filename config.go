package sockauth

import (
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/sockauth/jwt"
)

// Config is the gate configuration. It is copied at Build and treated as
// immutable afterwards.
type Config struct {
	Token     TokenConfig
	Admission AdmissionConfig
	RateLimit RateLimitConfig
	Presence  PresenceConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig configures credential verification.
type TokenConfig struct {
	SigningMethod string // "hs256" (default) or "ed25519"
	Secret        []byte
	PublicKey     []byte
	VerifyKeys    map[string][]byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
}

/*
====================================
ADMISSION CONFIG
====================================
*/

// AdmissionConfig configures the handshake.
type AdmissionConfig struct {
	// AuthField is the query parameter that carries the credential.
	AuthField string
	// LookupTimeout bounds the subject directory lookup.
	LookupTimeout time.Duration
}

// RateLimitConfig configures the per-remote-address handshake limiter and
// the per-connection channel event limiters. Event budgets are keyed on the
// bound subject, or on the remote host for anonymous connections. A zero
// event budget disables that limiter. Every limiter fails open when Redis is
// unavailable.
type RateLimitConfig struct {
	Enabled     bool
	MaxAttempts int
	Window      time.Duration
	// MessageMax bounds handler events per MessageWindow.
	MessageMax    int
	MessageWindow time.Duration
	// SubscriptionMax bounds room joins and leaves per SubscriptionWindow.
	SubscriptionMax    int
	SubscriptionWindow time.Duration
	Timeout            time.Duration
	RedisPrefix        string
}

// PresenceConfig configures the Redis registry of live connections.
type PresenceConfig struct {
	Enabled     bool
	RedisPrefix string
	TTL         time.Duration
	Timeout     time.Duration
}

// AuditConfig configures the audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig configures in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration. Callers must still supply
// a verification key.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			SigningMethod: string(jwt.MethodHS256),
			MaxFutureIAT:  10 * time.Minute,
		},
		Admission: AdmissionConfig{
			AuthField:     DefaultAuthField,
			LookupTimeout: 2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:     false,
			MaxAttempts:        120,
			Window:             time.Minute,
			MessageMax:         20,
			MessageWindow:      time.Second,
			SubscriptionMax:    50,
			SubscriptionWindow: time.Minute,
			Timeout:            250 * time.Millisecond,
			RedisPrefix:        "sr",
		},
		Presence: PresenceConfig{
			Enabled:     false,
			RedisPrefix: "sp",
			TTL:         2 * time.Minute,
			Timeout:     250 * time.Millisecond,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.Secret = cloneBytes(cfg.Token.Secret)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)
	if cfg.Token.VerifyKeys != nil {
		out.Token.VerifyKeys = make(map[string][]byte, len(cfg.Token.VerifyKeys))
		for kid, key := range cfg.Token.VerifyKeys {
			out.Token.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	// Token
	switch jwt.SigningMethod(c.Token.SigningMethod) {
	case jwt.MethodHS256:
		if len(c.Token.Secret) == 0 && len(c.Token.VerifyKeys) == 0 {
			return errors.New("hs256 requires Token Secret")
		}
		if len(c.Token.Secret) > 0 && len(c.Token.Secret) < 32 {
			return errors.New("Token Secret must be at least 32 bytes")
		}
	case jwt.MethodEd25519:
		if len(c.Token.PublicKey) == 0 && len(c.Token.VerifyKeys) == 0 {
			return errors.New("ed25519 requires Token PublicKey or VerifyKeys")
		}
	default:
		return errors.New("unsupported Token SigningMethod")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token Leeway must be between 0 and 2m")
	}
	if c.Token.MaxFutureIAT < 0 || c.Token.MaxFutureIAT > 24*time.Hour {
		return errors.New("Token MaxFutureIAT must be between 0 and 24h")
	}

	// Admission
	if strings.TrimSpace(c.Admission.AuthField) == "" {
		return errors.New("Admission AuthField must be set")
	}
	if c.Admission.LookupTimeout <= 0 {
		return errors.New("Admission LookupTimeout must be > 0")
	}

	// Rate limit
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxAttempts <= 0 {
			return errors.New("RateLimit MaxAttempts must be > 0")
		}
		if c.RateLimit.Window <= 0 {
			return errors.New("RateLimit Window must be > 0")
		}
		if c.RateLimit.Timeout <= 0 {
			return errors.New("RateLimit Timeout must be > 0")
		}
		if c.RateLimit.MessageMax < 0 || (c.RateLimit.MessageMax > 0 && c.RateLimit.MessageWindow <= 0) {
			return errors.New("RateLimit MessageMax must be >= 0 with a positive MessageWindow")
		}
		if c.RateLimit.SubscriptionMax < 0 || (c.RateLimit.SubscriptionMax > 0 && c.RateLimit.SubscriptionWindow <= 0) {
			return errors.New("RateLimit SubscriptionMax must be >= 0 with a positive SubscriptionWindow")
		}
	}

	// Presence
	if c.Presence.Enabled {
		if c.Presence.TTL < time.Second {
			return errors.New("Presence TTL must be >= 1s")
		}
		if c.Presence.Timeout <= 0 {
			return errors.New("Presence Timeout must be > 0")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	return nil
}

func (c *Config) verifierConfig() jwt.Config {
	return jwt.Config{
		SigningMethod: jwt.SigningMethod(c.Token.SigningMethod),
		Secret:        c.Token.Secret,
		PublicKey:     c.Token.PublicKey,
		VerifyKeys:    c.Token.VerifyKeys,
		Issuer:        c.Token.Issuer,
		Audience:      c.Token.Audience,
		Leeway:        c.Token.Leeway,
		MaxFutureIAT:  c.Token.MaxFutureIAT,
	}
}
