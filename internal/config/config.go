// Package config loads configuration for the sockauth binaries.
// Sources, in priority order: SOCKAUTH_* environment variables > YAML file >
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/sockauth"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address. Default ":3001".
	ListenAddr string `yaml:"listen_addr"`
	// LogLevel is debug, info, warn or error. Default "info".
	LogLevel string `yaml:"log_level"`
	// LogFormat is "json" (default) or "console".
	LogFormat string `yaml:"log_format"`

	// RedisAddr enables the handshake limiter and presence registry when set.
	RedisAddr string `yaml:"redis_addr"`
	// UsersDB is the SQLite user directory. Empty disables subject lookups.
	UsersDB string `yaml:"users_db"`

	Token     TokenConfig     `yaml:"token"`
	Admission AdmissionConfig `yaml:"admission"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Presence  PresenceConfig  `yaml:"presence"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channel   ChannelConfig   `yaml:"channel"`
}

// TokenConfig selects the verification key.
type TokenConfig struct {
	SigningMethod string `yaml:"signing_method"`
	// Secret is the HS256 secret. Prefer SOCKAUTH_JWT_SECRET over the file.
	Secret string `yaml:"secret"`
	// PublicKeyFile is a PEM Ed25519 public key.
	PublicKeyFile string        `yaml:"public_key_file"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	Leeway        time.Duration `yaml:"leeway"`
	MaxFutureIAT  time.Duration `yaml:"max_future_iat"`
}

type AdmissionConfig struct {
	AuthField     string        `yaml:"auth_field"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	// MessageMax and SubscriptionMax bound channel events per connection
	// subject; 0 disables the limiter.
	MessageMax         int           `yaml:"message_max"`
	MessageWindow      time.Duration `yaml:"message_window"`
	SubscriptionMax    int           `yaml:"subscription_max"`
	SubscriptionWindow time.Duration `yaml:"subscription_window"`
}

type PresenceConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	// ResetOnStart zeroes the connection counter at startup. Only a server
	// that owns the whole Redis prefix should set it.
	ResetOnStart bool `yaml:"reset_on_start"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is a JSON-lines file; "-" writes to stdout.
	Path       string `yaml:"path"`
	BufferSize int    `yaml:"buffer_size"`
	DropIfFull bool   `yaml:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Latency bool   `yaml:"latency"`
	Path    string `yaml:"path"`
}

// ChannelConfig configures the WebSocket endpoints.
type ChannelConfig struct {
	OptionalPath string        `yaml:"optional_path"`
	RequiredPath string        `yaml:"required_path"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	SendQueue    int           `yaml:"send_queue"`
}

// Default returns configuration with defaults applied.
func Default() Config {
	gate := sockauth.DefaultConfig()
	return Config{
		ListenAddr: ":3001",
		LogLevel:   "info",
		LogFormat:  "json",
		Token: TokenConfig{
			SigningMethod: gate.Token.SigningMethod,
			MaxFutureIAT:  gate.Token.MaxFutureIAT,
		},
		Admission: AdmissionConfig{
			AuthField:     gate.Admission.AuthField,
			LookupTimeout: gate.Admission.LookupTimeout,
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:        gate.RateLimit.MaxAttempts,
			Window:             gate.RateLimit.Window,
			MessageMax:         gate.RateLimit.MessageMax,
			MessageWindow:      gate.RateLimit.MessageWindow,
			SubscriptionMax:    gate.RateLimit.SubscriptionMax,
			SubscriptionWindow: gate.RateLimit.SubscriptionWindow,
		},
		Presence: PresenceConfig{
			TTL: gate.Presence.TTL,
		},
		Audit: AuditConfig{
			Path:       "-",
			BufferSize: gate.Audit.BufferSize,
			DropIfFull: gate.Audit.DropIfFull,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Channel: ChannelConfig{
			OptionalPath: "/ws",
			RequiredPath: "/ws/secure",
			ReadTimeout:  90 * time.Second,
			PingInterval: 30 * time.Second,
			SendQueue:    64,
		},
	}
}

// Load reads path when non-empty, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("SOCKAUTH_LISTEN_ADDR", &cfg.ListenAddr)
	str("SOCKAUTH_LOG_LEVEL", &cfg.LogLevel)
	str("SOCKAUTH_LOG_FORMAT", &cfg.LogFormat)
	str("SOCKAUTH_REDIS_ADDR", &cfg.RedisAddr)
	str("SOCKAUTH_USERS_DB", &cfg.UsersDB)

	// JWT_SECRET is honoured for deployments that share the secret with the
	// issuing API.
	str("JWT_SECRET", &cfg.Token.Secret)
	str("SOCKAUTH_JWT_SECRET", &cfg.Token.Secret)
	str("SOCKAUTH_JWT_SIGNING_METHOD", &cfg.Token.SigningMethod)
	str("SOCKAUTH_JWT_PUBLIC_KEY_FILE", &cfg.Token.PublicKeyFile)
	str("SOCKAUTH_JWT_ISSUER", &cfg.Token.Issuer)
	str("SOCKAUTH_JWT_AUDIENCE", &cfg.Token.Audience)
	duration("SOCKAUTH_JWT_LEEWAY", &cfg.Token.Leeway)

	str("SOCKAUTH_AUTH_FIELD", &cfg.Admission.AuthField)
	duration("SOCKAUTH_LOOKUP_TIMEOUT", &cfg.Admission.LookupTimeout)

	boolean("SOCKAUTH_RATE_LIMIT", &cfg.RateLimit.Enabled)
	integer("SOCKAUTH_RATE_LIMIT_ATTEMPTS", &cfg.RateLimit.MaxAttempts)
	duration("SOCKAUTH_RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	integer("SOCKAUTH_RATE_LIMIT_MESSAGES", &cfg.RateLimit.MessageMax)
	duration("SOCKAUTH_RATE_LIMIT_MESSAGE_WINDOW", &cfg.RateLimit.MessageWindow)
	integer("SOCKAUTH_RATE_LIMIT_SUBSCRIPTIONS", &cfg.RateLimit.SubscriptionMax)
	duration("SOCKAUTH_RATE_LIMIT_SUBSCRIPTION_WINDOW", &cfg.RateLimit.SubscriptionWindow)

	boolean("SOCKAUTH_PRESENCE", &cfg.Presence.Enabled)
	duration("SOCKAUTH_PRESENCE_TTL", &cfg.Presence.TTL)
	boolean("SOCKAUTH_PRESENCE_RESET_ON_START", &cfg.Presence.ResetOnStart)

	boolean("SOCKAUTH_AUDIT", &cfg.Audit.Enabled)
	str("SOCKAUTH_AUDIT_PATH", &cfg.Audit.Path)

	boolean("SOCKAUTH_METRICS", &cfg.Metrics.Enabled)
	boolean("SOCKAUTH_METRICS_LATENCY", &cfg.Metrics.Latency)

	return errors.Join(errs...)
}

// GateConfig maps the file configuration onto sockauth.Config.
func (c Config) GateConfig() (sockauth.Config, error) {
	g := sockauth.DefaultConfig()

	g.Token.SigningMethod = strings.ToLower(c.Token.SigningMethod)
	if c.Token.Secret != "" {
		g.Token.Secret = []byte(c.Token.Secret)
	}
	if c.Token.PublicKeyFile != "" {
		pem, err := os.ReadFile(c.Token.PublicKeyFile)
		if err != nil {
			return g, fmt.Errorf("read public key: %w", err)
		}
		g.Token.PublicKey = pem
	}
	g.Token.Issuer = c.Token.Issuer
	g.Token.Audience = c.Token.Audience
	g.Token.Leeway = c.Token.Leeway
	g.Token.MaxFutureIAT = c.Token.MaxFutureIAT

	g.Admission.AuthField = c.Admission.AuthField
	g.Admission.LookupTimeout = c.Admission.LookupTimeout

	g.RateLimit.Enabled = c.RateLimit.Enabled
	g.RateLimit.MaxAttempts = c.RateLimit.MaxAttempts
	g.RateLimit.Window = c.RateLimit.Window
	g.RateLimit.MessageMax = c.RateLimit.MessageMax
	g.RateLimit.MessageWindow = c.RateLimit.MessageWindow
	g.RateLimit.SubscriptionMax = c.RateLimit.SubscriptionMax
	g.RateLimit.SubscriptionWindow = c.RateLimit.SubscriptionWindow

	g.Presence.Enabled = c.Presence.Enabled
	g.Presence.TTL = c.Presence.TTL

	g.Audit.Enabled = c.Audit.Enabled
	g.Audit.BufferSize = c.Audit.BufferSize
	g.Audit.DropIfFull = c.Audit.DropIfFull

	g.Metrics.Enabled = c.Metrics.Enabled
	g.Metrics.EnableLatencyHistograms = c.Metrics.Latency

	if err := g.Validate(); err != nil {
		return g, fmt.Errorf("gate config: %w", err)
	}
	return g, nil
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var zc zap.Config
	switch c.LogFormat {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
