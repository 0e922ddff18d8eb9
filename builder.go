package sockauth

import (
	"errors"
	"time"

	internalaudit "github.com/MrEthical07/sockauth/internal/audit"
	"github.com/MrEthical07/sockauth/internal/rate"
	"github.com/MrEthical07/sockauth/jwt"
	"github.com/MrEthical07/sockauth/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles a Gate. A Builder can be used once.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	logger    *zap.Logger
	validator SubjectValidator
	auditSink AuditSink
	clock     func() time.Time

	built bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the client used by the handshake limiter and the
// presence registry. It is required when either is enabled.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the structured logger. The default discards everything.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithSubjectValidator adds a directory lookup after token verification.
func (b *Builder) WithSubjectValidator(v SubjectValidator) *Builder {
	b.validator = v
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides the time source used for token expiry checks.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns a ready Gate.
func (b *Builder) Build() (*Gate, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.redis == nil {
		if cfg.RateLimit.Enabled {
			return nil, errors.New("RateLimit requires redis client")
		}
		if cfg.Presence.Enabled {
			return nil, errors.New("Presence requires redis client")
		}
	}

	verifier, err := jwt.NewVerifier(cfg.verifierConfig())
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	g := &Gate{
		config:    cfg,
		verifier:  verifier,
		logger:    logger.Named("gate"),
		metrics:   NewMetrics(cfg.Metrics),
		validator: b.validator,
		now:       clock,
	}

	if cfg.RateLimit.Enabled {
		g.limiter = rate.New(b.redis, rate.Config{
			Prefix:      cfg.RateLimit.RedisPrefix,
			MaxAttempts: cfg.RateLimit.MaxAttempts,
			Window:      cfg.RateLimit.Window,
		})
	}
	if cfg.Presence.Enabled {
		g.presence = session.NewStore(b.redis, cfg.Presence.RedisPrefix, cfg.Presence.TTL)
	}

	g.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	b.built = true
	return g, nil
}
