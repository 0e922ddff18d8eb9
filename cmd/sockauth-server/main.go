// sockauth-server serves authenticated WebSocket channels.
//
// Two endpoints are mounted: the optional endpoint admits anonymous
// connections when no valid credential is presented, the required endpoint
// refuses them before the upgrade. Configuration comes from --config (YAML)
// overlaid with SOCKAUTH_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/sockauth"
	"github.com/MrEthical07/sockauth/channel"
	"github.com/MrEthical07/sockauth/internal/config"
	promexport "github.com/MrEthical07/sockauth/metrics/export/prometheus"
	"github.com/MrEthical07/sockauth/middleware"
	"github.com/MrEthical07/sockauth/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("sockauth-server", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("SOCKAUTH_CONFIG"), "path to YAML config file")
	listen := flagSet.String("listen", "", "listen address (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	gateCfg, err := cfg.GateConfig()
	if err != nil {
		return err
	}

	builder := sockauth.New().WithConfig(gateCfg).WithLogger(logger)

	if cfg.RedisAddr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		builder.WithRedis(rdb)
	}

	if cfg.UsersDB != "" {
		dir, err := users.Open(cfg.UsersDB)
		if err != nil {
			return err
		}
		defer dir.Close()
		builder.WithSubjectValidator(dir)
	}

	if gateCfg.Audit.Enabled {
		w, closeAudit, err := auditWriter(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer closeAudit()
		builder.WithAuditSink(sockauth.NewJSONWriterSink(w))
	}

	gate, err := builder.Build()
	if err != nil {
		return err
	}
	defer gate.Close()

	if cfg.Presence.ResetOnStart && gate.Presence() != nil {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := gate.Presence().Reset(rctx)
		cancel()
		if err != nil {
			logger.Warn("presence counter reset failed", zap.Error(err))
		}
	}

	hub := channel.New(gate, logger, channel.Options{
		ReadTimeout:  cfg.Channel.ReadTimeout,
		PingInterval: cfg.Channel.PingInterval,
		SendQueue:    cfg.Channel.SendQueue,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           routes(cfg, gate, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("optional", cfg.Channel.OptionalPath),
			zap.String("required", cfg.Channel.RequiredPath),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Int("connections", hub.Count()))
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Connections must be untracked while the gate and Redis are still open.
		if err := hub.Shutdown(sctx); err != nil {
			logger.Warn("connections still open at shutdown deadline", zap.Int("connections", hub.Count()), zap.Error(err))
		}
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func routes(cfg config.Config, gate *sockauth.Gate, hub *channel.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cfg.Channel.OptionalPath, hub.Endpoint(sockauth.ModeOptional))
	mux.Handle(cfg.Channel.RequiredPath, hub.Endpoint(sockauth.ModeRequired))

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promexport.NewPrometheusExporter(gate).WithConnectionGauge(hub.Count).Handler())
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": hub.Count(),
		})
	})

	admin := middleware.RequireAuth(gate)(middleware.RequireAdmin(gate)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hub.Connections())
	})))
	mux.Handle("/admin/connections", admin)

	own := middleware.RequireAuth(gate)(middleware.RequireOwner(gate, func(r *http.Request) string {
		return r.PathValue("subject")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.PathValue("subject")
		conns := []channel.ConnInfo{}
		for _, c := range hub.Connections() {
			if c.SubjectID == subject {
				conns = append(conns, c)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(conns)
	})))
	mux.Handle("GET /subjects/{subject}/connections", own)

	return mux
}

func auditWriter(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
