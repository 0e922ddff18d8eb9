package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultThreshold is the minimum connected/total ratio for a passing run.
const DefaultThreshold = 0.95

const maxErrors = 1000

// Config describes one run. Zero durations take the defaults noted on each
// field.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Target is the number of connections to open. Default 1000.
	Target int
	// RampUp spreads the connection attempts evenly. Default 10s; negative
	// opens every connection at once.
	RampUp time.Duration
	// Duration is how long the fleet is held open. Default 60s.
	Duration time.Duration
	// Settle is the wait after the last attempt before holding. Default 2s.
	Settle time.Duration
	// StatusInterval is the period of status reports while holding. Default 5s.
	StatusInterval time.Duration
	// HandshakeTimeout bounds each dial. Default 10s.
	HandshakeTimeout time.Duration

	// Token is presented on every connection when set.
	Token string
	// AuthField is the query parameter carrying Token. Default "token".
	AuthField string
	// UseHeader sends Token as "Authorization: Bearer" instead.
	UseHeader bool

	// Threshold is the passing success ratio. Default DefaultThreshold.
	Threshold float64

	Logger *zap.Logger
	// OnStatus, when set, receives a report at every status interval.
	OnStatus func(Report)
}

func (c Config) withDefaults() Config {
	if c.Target <= 0 {
		c.Target = 1000
	}
	if c.RampUp < 0 {
		c.RampUp = 0
	} else if c.RampUp == 0 {
		c.RampUp = 10 * time.Second
	}
	if c.Duration <= 0 {
		c.Duration = 60 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = 2 * time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.AuthField == "" {
		c.AuthField = "token"
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Report is the outcome of a run.
type Report struct {
	Total        int
	Connected    int
	Failed       int
	Disconnected int
	Errors       []string
	Threshold    float64
	Handshake    LatencyStats
}

// SuccessRate is Connected/Total, 0 for an empty run.
func (r Report) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Connected) / float64(r.Total)
}

// Passed reports whether the run met its threshold.
func (r Report) Passed() bool {
	return r.Total > 0 && r.SuccessRate() >= r.Threshold
}

// TopErrors returns at most n recorded errors in arrival order.
func (r Report) TopErrors(n int) []string {
	if n > len(r.Errors) {
		n = len(r.Errors)
	}
	return r.Errors[:n]
}

// LatencyStats summarizes successful handshake latencies.
type LatencyStats struct {
	Samples int
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Max     time.Duration
}

type driver struct {
	cfg    Config
	dialer *websocket.Dialer
	header http.Header
	target string

	total        atomic.Int64
	connected    atomic.Int64
	failed       atomic.Int64
	disconnected atomic.Int64
	closing      atomic.Bool

	mu        sync.Mutex
	errs      []string
	conns     []*websocket.Conn
	latencies []time.Duration

	readers sync.WaitGroup
}

// Run executes the ramp, hold and cleanup phases. It returns an error only
// when the run could not start; a failing fleet is reported through
// Report.Passed. Cancelling ctx cuts the ramp or hold short and still cleans
// up.
func Run(ctx context.Context, cfg Config) (Report, error) {
	cfg = cfg.withDefaults()
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return Report{}, fmt.Errorf("parse url: %w", err)
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return Report{}, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}

	d := &driver{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		header: http.Header{},
	}
	if cfg.Token != "" {
		if cfg.UseHeader {
			d.header.Set("Authorization", "Bearer "+cfg.Token)
		} else {
			q := target.Query()
			q.Set(cfg.AuthField, cfg.Token)
			target.RawQuery = q.Encode()
		}
	}
	d.target = target.String()

	log := cfg.Logger
	log.Info("fleet starting",
		zap.String("url", cfg.URL),
		zap.Int("target", cfg.Target),
		zap.Duration("ramp_up", cfg.RampUp),
		zap.Duration("duration", cfg.Duration),
	)

	d.rampUp(ctx)
	log.Info("ramp-up complete",
		zap.Int64("connected", d.connected.Load()),
		zap.Int("target", cfg.Target),
	)

	d.hold(ctx)
	d.cleanup()

	report := d.report()
	log.Info("fleet finished",
		zap.Int("total", report.Total),
		zap.Int("connected", report.Connected),
		zap.Int("failed", report.Failed),
		zap.Int("disconnected", report.Disconnected),
		zap.Float64("success_rate", report.SuccessRate()),
		zap.Bool("passed", report.Passed()),
	)
	return report, nil
}

func (d *driver) rampUp(ctx context.Context) {
	interval := d.cfg.RampUp / time.Duration(d.cfg.Target)
	var dials sync.WaitGroup

	for i := 0; i < d.cfg.Target; i++ {
		if ctx.Err() != nil {
			break
		}
		d.total.Add(1)
		dials.Add(1)
		go func(id int) {
			defer dials.Done()
			d.connect(ctx, id)
		}(i)

		if i > 0 && i%100 == 0 {
			d.cfg.Logger.Debug("ramp-up progress", zap.Int("created", i))
		}
		if interval > 0 && !sleep(ctx, interval) {
			break
		}
	}

	sleep(ctx, d.cfg.Settle)
	dials.Wait()
}

func (d *driver) connect(ctx context.Context, id int) {
	start := time.Now()
	ws, resp, err := d.dialer.DialContext(ctx, d.target, d.header)
	if err != nil {
		d.failed.Add(1)
		msg := err.Error()
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			msg = fmt.Sprintf("%s (%d)", msg, resp.StatusCode)
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		d.recordError(fmt.Sprintf("Connection %d: %s", id, msg))
		return
	}
	elapsed := time.Since(start)

	d.mu.Lock()
	if d.closing.Load() {
		d.mu.Unlock()
		_ = ws.Close()
		d.failed.Add(1)
		d.recordError(fmt.Sprintf("Connection %d: connected after cleanup began", id))
		return
	}
	d.conns = append(d.conns, ws)
	d.latencies = append(d.latencies, elapsed)
	d.mu.Unlock()
	d.connected.Add(1)

	d.readers.Add(1)
	go d.read(ws, id)
}

// read drains the connection so control frames are answered, and counts a
// disconnect the driver did not initiate.
func (d *driver) read(ws *websocket.Conn, id int) {
	defer d.readers.Done()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !d.closing.Load() {
				d.disconnected.Add(1)
				d.cfg.Logger.Warn("connection dropped", zap.Int("conn", id), zap.Error(err))
			}
			return
		}
	}
}

func (d *driver) hold(ctx context.Context) {
	deadline := time.Now().Add(d.cfg.Duration)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		wait := d.cfg.StatusInterval
		if remaining < wait {
			wait = remaining
		}
		if !sleep(ctx, wait) {
			return
		}
		r := d.report()
		d.cfg.Logger.Info("fleet status",
			zap.Int("connected", r.Connected),
			zap.Int("disconnected", r.Disconnected),
			zap.Int("failed", r.Failed),
		)
		if d.cfg.OnStatus != nil {
			d.cfg.OnStatus(r)
		}
	}
}

func (d *driver) cleanup() {
	d.mu.Lock()
	d.closing.Store(true)
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(64)
	for _, ws := range conns {
		ws := ws
		g.Go(func() error {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ws.Close()
		})
	}
	_ = g.Wait()
	d.readers.Wait()
}

func (d *driver) recordError(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) < maxErrors {
		d.errs = append(d.errs, msg)
	}
}

func (d *driver) report() Report {
	d.mu.Lock()
	errs := append([]string(nil), d.errs...)
	samples := append([]time.Duration(nil), d.latencies...)
	d.mu.Unlock()

	return Report{
		Total:        int(d.total.Load()),
		Connected:    int(d.connected.Load()),
		Failed:       int(d.failed.Load()),
		Disconnected: int(d.disconnected.Load()),
		Errors:       errs,
		Threshold:    d.cfg.Threshold,
		Handshake:    computeLatency(samples),
	}
}

func computeLatency(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return LatencyStats{
		Samples: len(samples),
		P50:     percentile(samples, 50),
		P95:     percentile(samples, 95),
		P99:     percentile(samples, 99),
		Max:     samples[len(samples)-1],
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
