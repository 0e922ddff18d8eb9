package sockauth

import (
	"testing"
	"time"

	"github.com/MrEthical07/sockauth/jwt"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testSecret = []byte("sockauth-test-secret-0123456789ab")

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.Secret = testSecret
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func newTestIssuer(t *testing.T) *jwt.Issuer {
	t.Helper()
	is, err := jwt.NewIssuer(jwt.IssuerConfig{
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    testSecret,
		TTL:           time.Hour,
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return is
}

func signToken(t *testing.T, id jwt.Identity, now time.Time) string {
	t.Helper()
	token, err := newTestIssuer(t).Sign(id, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func signExpired(t *testing.T, id jwt.Identity, now time.Time) string {
	t.Helper()
	token, err := newTestIssuer(t).SignWithExpiry(id, now.Add(-2*time.Hour), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

type testGateOption func(*Builder)

func newTestGate(t *testing.T, cfg Config, opts ...testGateOption) *Gate {
	t.Helper()
	b := New().WithConfig(cfg)
	for _, opt := range opts {
		opt(b)
	}
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build gate: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}
