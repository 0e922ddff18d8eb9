// sockauth-loadtest opens a fleet of WebSocket connections against a
// sockauth endpoint, holds them, and exits 0 when at least 95% connected.
//
// Environment overrides: WS_URL, TARGET_CONNECTIONS, RAMP_UP_TIME and
// TEST_DURATION (the last two in milliseconds). Flags win over environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MrEthical07/sockauth"
	"github.com/MrEthical07/sockauth/channel"
	"github.com/MrEthical07/sockauth/internal/fleet"
	"github.com/MrEthical07/sockauth/jwt"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const defaultURL = "ws://localhost:3001/ws"

func main() {
	passed, err := run()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if !passed {
		os.Exit(1)
	}
}

func run() (bool, error) {
	cfg := fleet.Config{URL: defaultURL}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return false, err
	}

	var (
		secret   string
		subject  string
		role     string
		selfHost bool
		verbose  bool
	)
	flagSet := pflag.NewFlagSet("sockauth-loadtest", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.URL, "url", cfg.URL, "WebSocket endpoint (env WS_URL)")
	flagSet.IntVarP(&cfg.Target, "connections", "n", cfg.Target, "connections to open (env TARGET_CONNECTIONS)")
	flagSet.DurationVar(&cfg.RampUp, "ramp-up", cfg.RampUp, "ramp-up period (env RAMP_UP_TIME, ms)")
	flagSet.DurationVar(&cfg.Duration, "duration", cfg.Duration, "hold period (env TEST_DURATION, ms)")
	flagSet.DurationVar(&cfg.Settle, "settle", 0, "wait between ramp-up and hold")
	flagSet.DurationVar(&cfg.StatusInterval, "status-interval", 0, "status line period")
	flagSet.Float64Var(&cfg.Threshold, "threshold", fleet.DefaultThreshold, "passing success ratio")
	flagSet.StringVar(&cfg.Token, "token", os.Getenv("SOCKAUTH_TOKEN"), "credential presented on every connection")
	flagSet.BoolVar(&cfg.UseHeader, "header", false, "send the credential as Authorization: Bearer")
	flagSet.StringVar(&secret, "secret", "", "HS256 secret used to mint a credential when --token is empty")
	flagSet.StringVar(&subject, "subject", "loadtest", "subject of a minted credential")
	flagSet.StringVar(&role, "role", "", "role of a minted credential")
	flagSet.BoolVar(&selfHost, "self-host", false, "serve an in-process endpoint backed by miniredis and target it")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log connection-level events")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return false, err
	}

	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return false, err
		}
		logger = l
		defer func() { _ = logger.Sync() }()
	}
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if selfHost {
		if secret == "" {
			secret = "sockauth-loadtest-self-hosted-secret"
		}
		path := "/ws"
		if cfg.Token != "" || flagSet.Changed("secret") {
			path = "/ws/secure"
		}
		url, shutdown, err := selfHosted([]byte(secret), path, logger)
		if err != nil {
			return false, err
		}
		defer shutdown()
		cfg.URL = url
		fmt.Printf("self-hosted endpoint at %s\n", url)
	}

	if cfg.Token == "" && flagSet.Changed("secret") {
		token, err := mint([]byte(secret), jwt.Identity{SubjectID: subject, Role: role})
		if err != nil {
			return false, err
		}
		cfg.Token = token
	}

	cfg.OnStatus = printStatus
	fmt.Printf("target=%d ramp-up=%s hold=%s url=%s\n", targetOrDefault(cfg.Target), cfg.RampUp, cfg.Duration, cfg.URL)

	report, err := fleet.Run(ctx, cfg)
	if err != nil {
		return false, err
	}
	printReport(report)
	return report.Passed(), nil
}

func applyEnv(cfg *fleet.Config, lookup func(string) (string, bool)) error {
	var errs []error
	if v, ok := lookup("WS_URL"); ok && v != "" {
		cfg.URL = v
	}
	if v, ok := lookup("TARGET_CONNECTIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TARGET_CONNECTIONS: %w", err))
		}
		cfg.Target = n
	}
	for name, dst := range map[string]*time.Duration{
		"RAMP_UP_TIME":  &cfg.RampUp,
		"TEST_DURATION": &cfg.Duration,
	} {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		ms, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		*dst = time.Duration(ms) * time.Millisecond
	}
	return errors.Join(errs...)
}

func mint(secret []byte, id jwt.Identity) (string, error) {
	issuer, err := jwt.NewIssuer(jwt.IssuerConfig{
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    secret,
		TTL:           time.Hour,
	})
	if err != nil {
		return "", err
	}
	return issuer.Sign(id, time.Now())
}

// selfHosted serves both endpoints on a loopback port with presence tracked
// in miniredis.
func selfHosted(secret []byte, path string, logger *zap.Logger) (string, func(), error) {
	mr, err := miniredis.Run()
	if err != nil {
		return "", nil, fmt.Errorf("start miniredis: %w", err)
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})

	cfg := sockauth.DefaultConfig()
	cfg.Token.Secret = secret
	cfg.Presence.Enabled = true

	gate, err := sockauth.New().WithConfig(cfg).WithRedis(rdb).WithLogger(logger).Build()
	if err != nil {
		_ = rdb.Close()
		mr.Close()
		return "", nil, err
	}
	hub := channel.New(gate, logger, channel.Options{})

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Endpoint(sockauth.ModeOptional))
	mux.Handle("/ws/secure", hub.Endpoint(sockauth.ModeRequired))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		gate.Close()
		_ = rdb.Close()
		mr.Close()
		return "", nil, err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		_ = srv.Shutdown(ctx)
		gate.Close()
		_ = rdb.Close()
		mr.Close()
	}
	return "ws://" + ln.Addr().String() + path, shutdown, nil
}

func targetOrDefault(n int) int {
	if n <= 0 {
		return 1000
	}
	return n
}

func printStatus(r fleet.Report) {
	fmt.Printf("status: connected=%d failed=%d disconnected=%d total=%d\n",
		r.Connected, r.Failed, r.Disconnected, r.Total)
}

func printReport(r fleet.Report) {
	fmt.Println("---- results ----")
	fmt.Printf("total connections:      %d\n", r.Total)
	fmt.Printf("successful connections: %d\n", r.Connected)
	fmt.Printf("failed connections:     %d\n", r.Failed)
	fmt.Printf("disconnections:         %d\n", r.Disconnected)
	fmt.Printf("success rate:           %.2f%% (threshold %.2f%%)\n", r.SuccessRate()*100, r.Threshold*100)
	if r.Handshake.Samples > 0 {
		fmt.Printf("handshake p50=%s p95=%s p99=%s max=%s\n",
			r.Handshake.P50, r.Handshake.P95, r.Handshake.P99, r.Handshake.Max)
	}
	if top := r.TopErrors(10); len(top) > 0 {
		fmt.Printf("errors (%d recorded, first %d):\n", len(r.Errors), len(top))
		for _, e := range top {
			fmt.Printf("  %s\n", strings.TrimSpace(e))
		}
	}
	if r.Passed() {
		fmt.Println("PASS")
	} else {
		fmt.Println("FAIL")
	}
}
