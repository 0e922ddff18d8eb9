package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/sockauth"
	"github.com/MrEthical07/sockauth/jwt"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testSecret = []byte("channel-test-secret-0123456789abc")

type testServer struct {
	hub  *Hub
	gate *sockauth.Gate
	srv  *httptest.Server
	logs *observer.ObservedLogs
}

func newTestServer(t *testing.T, mutate func(*sockauth.Config), opts ...func(*sockauth.Builder)) *testServer {
	t.Helper()
	cfg := sockauth.DefaultConfig()
	cfg.Token.Secret = testSecret
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}

	core, logs := observer.New(zap.DebugLevel)
	b := sockauth.New().WithConfig(cfg).WithLogger(zap.New(core))
	for _, o := range opts {
		o(b)
	}
	gate, err := b.Build()
	if err != nil {
		t.Fatalf("build gate: %v", err)
	}

	hub := New(gate, nil, Options{})
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Endpoint(sockauth.ModeOptional))
	mux.Handle("/ws/secure", hub.Endpoint(sockauth.ModeRequired))
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		gate.Close()
	})
	return &testServer{hub: hub, gate: gate, srv: srv, logs: logs}
}

func (s *testServer) url(path string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
}

func sign(t *testing.T, id jwt.Identity) string {
	t.Helper()
	is, err := jwt.NewIssuer(jwt.IssuerConfig{
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    testSecret,
		TTL:           time.Hour,
	})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	tok, err := is.Sign(id, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func dial(t *testing.T, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func readEvent(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func sendEvent(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, _ := json.Marshal(data)
	if err := ws.WriteJSON(Envelope{Event: event, Data: raw, Timestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func connected(t *testing.T, ws *websocket.Conn) ConnectedPayload {
	t.Helper()
	env := readEvent(t, ws)
	if env.Event != EventConnected {
		t.Fatalf("expected connected, got %s", env.Event)
	}
	var p ConnectedPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode connected: %v", err)
	}
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestRequiredEndpointRefusesBeforeUpgrade(t *testing.T) {
	s := newTestServer(t, nil)

	_, resp, err := dial(t, s.url("/ws/secure"), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != string(sockauth.ReasonAuthRequired) {
		t.Fatalf("unexpected reason %q", body.Error)
	}
	if s.hub.Count() != 0 {
		t.Fatal("refused connection must not register")
	}
}

func TestRequiredEndpointAdmitsValidToken(t *testing.T) {
	s := newTestServer(t, nil)

	ws, _, err := dial(t, s.url("/ws/secure?token="+sign(t, jwt.Identity{SubjectID: "u1", Role: "admin"})), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := connected(t, ws)
	if p.Anonymous || p.SubjectID != "u1" || p.SocketID == "" {
		t.Fatalf("unexpected connected payload %+v", p)
	}

	waitFor(t, func() bool { return s.hub.Count() == 1 })
	info := s.hub.Connections()[0]
	if info.ID != p.SocketID || info.Role != "admin" {
		t.Fatalf("unexpected connection info %+v", info)
	}
}

func TestHeaderCredential(t *testing.T) {
	s := newTestServer(t, nil)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sign(t, jwt.Identity{SubjectID: "u2"}))

	ws, _, err := dial(t, s.url("/ws/secure"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if p := connected(t, ws); p.SubjectID != "u2" {
		t.Fatalf("expected u2, got %+v", p)
	}
}

func TestOptionalEndpointAdmitsAnonymous(t *testing.T) {
	s := newTestServer(t, nil)

	ws, _, err := dial(t, s.url("/ws?token=garbage"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := connected(t, ws)
	if !p.Anonymous || p.SubjectID != "" {
		t.Fatalf("expected anonymous, got %+v", p)
	}

	degraded := s.logs.FilterMessage("credential rejected, connection admitted anonymously").All()
	if len(degraded) != 1 || degraded[0].Level != zap.WarnLevel {
		t.Fatalf("expected one degraded Warn entry, got %v", degraded)
	}
}

func TestPingAndRooms(t *testing.T) {
	s := newTestServer(t, nil)
	ws, _, err := dial(t, s.url("/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := connected(t, ws)

	sendEvent(t, ws, EventPing, nil)
	if env := readEvent(t, ws); env.Event != EventPong || env.Timestamp == 0 {
		t.Fatalf("expected pong, got %+v", env)
	}

	sendEvent(t, ws, EventJoinProject, "p1")
	if env := readEvent(t, ws); env.Event != "joined:project" {
		t.Fatalf("expected joined:project, got %s", env.Event)
	}
	sendEvent(t, ws, EventSubscribeTask, map[string]string{"taskId": "t9"})
	if env := readEvent(t, ws); env.Event != "subscribed:task" {
		t.Fatalf("expected subscribed:task, got %s", env.Event)
	}
	if s.hub.RoomSize(ProjectRoom("p1")) != 1 || s.hub.RoomSize(TaskRoom("t9")) != 1 {
		t.Fatal("expected room membership")
	}

	if n := s.hub.BroadcastRoom(ProjectRoom("p1"), "project:update", map[string]int{"progress": 50}); n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}
	if env := readEvent(t, ws); env.Event != "project:update" || !strings.Contains(string(env.Data), "50") {
		t.Fatalf("unexpected broadcast %+v", env)
	}

	if err := s.hub.SendTo(p.SocketID, "direct", "hi"); err != nil {
		t.Fatalf("send to: %v", err)
	}
	if env := readEvent(t, ws); env.Event != "direct" {
		t.Fatalf("expected direct, got %s", env.Event)
	}

	sendEvent(t, ws, EventLeaveProject, "p1")
	if env := readEvent(t, ws); env.Event != "left:project" {
		t.Fatalf("expected left:project, got %s", env.Event)
	}
	if s.hub.RoomSize(ProjectRoom("p1")) != 0 {
		t.Fatal("room should be empty")
	}

	sendEvent(t, ws, EventJoinProject, "")
	if env := readEvent(t, ws); env.Event != EventError {
		t.Fatalf("expected error for empty id, got %s", env.Event)
	}
}

func TestAdminHandlerDenialKeepsConnection(t *testing.T) {
	s := newTestServer(t, nil)
	var calls sync.Map
	s.hub.HandleAdmin("admin:purge", func(_ context.Context, c *Conn, _ json.RawMessage) error {
		calls.Store(c.ID(), true)
		return c.Send("purged", nil)
	})

	ws, _, err := dial(t, s.url("/ws/secure?token="+sign(t, jwt.Identity{SubjectID: "u1", Role: "member"})), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := connected(t, ws)

	sendEvent(t, ws, "admin:purge", nil)
	env := readEvent(t, ws)
	var payload ErrorPayload
	_ = json.Unmarshal(env.Data, &payload)
	if env.Event != EventError || payload.Reason != string(sockauth.ReasonAdminRequired) || payload.Event != "admin:purge" {
		t.Fatalf("expected admin denial, got %+v", env)
	}
	if _, ok := calls.Load(p.SocketID); ok {
		t.Fatal("handler ran for non-admin")
	}

	sendEvent(t, ws, EventPing, nil)
	if env := readEvent(t, ws); env.Event != EventPong {
		t.Fatalf("connection must stay open after denial, got %s", env.Event)
	}

	admin, _, err := dial(t, s.url("/ws/secure?token="+sign(t, jwt.Identity{SubjectID: "root", Role: "admin"})), nil)
	if err != nil {
		t.Fatalf("dial admin: %v", err)
	}
	connected(t, admin)
	sendEvent(t, admin, "admin:purge", nil)
	if env := readEvent(t, admin); env.Event != "purged" {
		t.Fatalf("expected purged, got %s", env.Event)
	}

	if got := s.gate.MetricsSnapshot().Counters[sockauth.MetricAuthorizationDenied]; got != 1 {
		t.Fatalf("expected 1 denial, got %d", got)
	}
}

func TestUnknownEventAndHandlerError(t *testing.T) {
	s := newTestServer(t, nil)
	s.hub.Handle("echo", func(_ context.Context, c *Conn, data json.RawMessage) error {
		if len(data) == 0 {
			return errors.New("empty payload")
		}
		return c.Send("echo", data)
	})

	ws, _, err := dial(t, s.url("/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	connected(t, ws)

	sendEvent(t, ws, "nope", nil)
	if env := readEvent(t, ws); env.Event != EventError {
		t.Fatalf("expected error for unknown event, got %s", env.Event)
	}

	sendEvent(t, ws, "echo", map[string]string{"a": "b"})
	if env := readEvent(t, ws); env.Event != "echo" || !strings.Contains(string(env.Data), `"a"`) {
		t.Fatalf("expected echo, got %+v", env)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := readEvent(t, ws); env.Event != EventError {
		t.Fatalf("expected error for invalid message, got %s", env.Event)
	}
}

func TestBuiltinEventsCannotBeOverridden(t *testing.T) {
	s := newTestServer(t, nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	s.hub.Handle(EventPing, func(context.Context, *Conn, json.RawMessage) error { return nil })
}

func TestDisconnectCleansUp(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := newTestServer(t, func(c *sockauth.Config) {
		c.Presence.Enabled = true
	}, func(b *sockauth.Builder) { b.WithRedis(rdb) })

	ws, _, err := dial(t, s.url("/ws/secure?token="+sign(t, jwt.Identity{SubjectID: "u1"})), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := connected(t, ws)
	sendEvent(t, ws, EventSubscribeAgent, "a1")
	readEvent(t, ws)

	ctx := context.Background()
	ids, err := s.gate.Presence().SubjectConnections(ctx, "u1")
	if err != nil || len(ids) != 1 || ids[0] != p.SocketID {
		t.Fatalf("expected presence for %s, got %v err=%v", p.SocketID, ids, err)
	}

	ws.Close()
	waitFor(t, func() bool { return s.hub.Count() == 0 })
	if s.hub.RoomSize(AgentRoom("a1")) != 0 {
		t.Fatal("room membership leaked")
	}
	waitFor(t, func() bool {
		n, _ := s.gate.Presence().Count(ctx)
		return n == 0
	})
}

func TestRateLimitedHandshake(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := newTestServer(t, func(c *sockauth.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.MaxAttempts = 1
	}, func(b *sockauth.Builder) { b.WithRedis(rdb) })

	if _, _, err := dial(t, s.url("/ws"), nil); err != nil {
		t.Fatalf("first dial: %v", err)
	}
	_, resp, err := dial(t, s.url("/ws"), nil)
	if err == nil {
		t.Fatal("expected refusal")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}

func TestConcurrentAdmissionsUnderLoad(t *testing.T) {
	s := newTestServer(t, nil)
	valid := sign(t, jwt.Identity{SubjectID: "u1"})

	const n = 60
	var wg sync.WaitGroup
	errs := make(chan error, n)
	conns := make(chan *websocket.Conn, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/ws"
			if i%3 == 0 {
				path = "/ws/secure?token=" + valid
			}
			ws, _, err := websocket.DefaultDialer.Dial(s.url(path), nil)
			if err != nil {
				errs <- fmt.Errorf("dial %d: %w", i, err)
				return
			}
			conns <- ws
		}(i)
	}
	wg.Wait()
	close(errs)
	close(conns)
	for err := range errs {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return s.hub.Count() == n })
	for _, info := range s.hub.Connections() {
		if !info.Anonymous && info.SubjectID == "" {
			t.Fatalf("connection %s bound without subject", info.ID)
		}
	}
	if got := s.hub.Broadcast("tick", nil); got != n {
		t.Fatalf("expected broadcast to %d, got %d", n, got)
	}

	for ws := range conns {
		ws.Close()
	}
	waitFor(t, func() bool { return s.hub.Count() == 0 })
}

func TestShutdownUntracksBeforeReturning(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := newTestServer(t, func(c *sockauth.Config) {
		c.Presence.Enabled = true
	}, func(b *sockauth.Builder) { b.WithRedis(rdb) })

	const n = 20
	for i := 0; i < n; i++ {
		ws, _, err := dial(t, s.url("/ws/secure?token="+sign(t, jwt.Identity{SubjectID: fmt.Sprintf("u%d", i)})), nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		connected(t, ws)
	}
	waitFor(t, func() bool {
		c, _ := s.gate.Presence().Count(context.Background())
		return c == n
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.hub.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := s.hub.Count(); got != 0 {
		t.Fatalf("expected no connections after Shutdown, got %d", got)
	}

	// Release the gate and client the way the server does, then inspect Redis
	// directly.
	s.gate.Close()
	_ = rdb.Close()

	if mr.Exists("sp:count") {
		v, _ := mr.Get("sp:count")
		t.Fatalf("connection counter survived shutdown: %q", v)
	}
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "sp:c:") {
			t.Fatalf("presence record survived shutdown: %s", key)
		}
	}
	if got := s.gate.MetricsSnapshot().Counters[sockauth.MetricPresenceError]; got != 0 {
		t.Fatalf("expected no presence errors, got %d", got)
	}

	if _, resp, err := dial(t, s.url("/ws"), nil); err == nil {
		t.Fatal("expected refusal after shutdown")
	} else if resp != nil {
		resp.Body.Close()
	}
}

func TestShutdownHonoursDeadline(t *testing.T) {
	s := newTestServer(t, nil)
	ws, _, err := dial(t, s.url("/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	connected(t, ws)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.hub.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error %v", err)
	}
	waitFor(t, func() bool { return s.hub.Count() == 0 })
}

func decodeRateLimit(t *testing.T, env Envelope) RateLimitPayload {
	t.Helper()
	if env.Event != EventRateLimitError {
		t.Fatalf("expected %s, got %s", EventRateLimitError, env.Event)
	}
	var p RateLimitPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode rate limit payload: %v", err)
	}
	return p
}

func TestMessageRateLimitKeepsConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := newTestServer(t, func(c *sockauth.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.MessageMax = 2
		c.RateLimit.MessageWindow = time.Minute
	}, func(b *sockauth.Builder) { b.WithRedis(rdb) })
	s.hub.Handle("echo", func(_ context.Context, c *Conn, data json.RawMessage) error {
		return c.Send("echo", data)
	})

	ws, _, err := dial(t, s.url("/ws/secure?token="+sign(t, jwt.Identity{SubjectID: "u1"})), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	connected(t, ws)

	for i := 0; i < 2; i++ {
		sendEvent(t, ws, "echo", i)
		if env := readEvent(t, ws); env.Event != "echo" {
			t.Fatalf("message %d: expected echo, got %s", i, env.Event)
		}
	}
	sendEvent(t, ws, "echo", 3)
	p := decodeRateLimit(t, readEvent(t, ws))
	if p.Event != "echo" || p.Message != "Too many requests" || p.RetryAfter != time.Minute.Milliseconds() {
		t.Fatalf("unexpected payload %+v", p)
	}

	sendEvent(t, ws, EventPing, nil)
	if env := readEvent(t, ws); env.Event != EventPong {
		t.Fatalf("connection must stay open after rate limit, got %s", env.Event)
	}
	if got := s.gate.MetricsSnapshot().Counters[sockauth.MetricMessageRateLimited]; got != 1 {
		t.Fatalf("expected 1 limited message, got %d", got)
	}
}

func TestSubscriptionRateLimitKeyedOnSubject(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := newTestServer(t, func(c *sockauth.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.SubscriptionMax = 2
		c.RateLimit.SubscriptionWindow = time.Minute
	}, func(b *sockauth.Builder) { b.WithRedis(rdb) })

	open := func(subject string) *websocket.Conn {
		ws, _, err := dial(t, s.url("/ws/secure?token="+sign(t, jwt.Identity{SubjectID: subject})), nil)
		if err != nil {
			t.Fatalf("dial %s: %v", subject, err)
		}
		connected(t, ws)
		return ws
	}

	first := open("u1")
	sendEvent(t, first, EventJoinProject, "p1")
	if env := readEvent(t, first); env.Event != "joined:project" {
		t.Fatalf("expected joined:project, got %s", env.Event)
	}
	sendEvent(t, first, EventLeaveProject, "p1")
	if env := readEvent(t, first); env.Event != "left:project" {
		t.Fatalf("expected left:project, got %s", env.Event)
	}

	// A second connection of the same subject shares the budget.
	second := open("u1")
	sendEvent(t, second, EventSubscribeTask, "t1")
	p := decodeRateLimit(t, readEvent(t, second))
	if p.Message != "Too many subscription requests" || p.RetryAfter != time.Minute.Milliseconds() {
		t.Fatalf("unexpected payload %+v", p)
	}
	if s.hub.RoomSize(TaskRoom("t1")) != 0 {
		t.Fatal("limited subscription must not join the room")
	}

	other := open("u2")
	sendEvent(t, other, EventSubscribeTask, "t1")
	if env := readEvent(t, other); env.Event != "subscribed:task" {
		t.Fatalf("other subject must have its own budget, got %s", env.Event)
	}

	sendEvent(t, second, EventPing, nil)
	if env := readEvent(t, second); env.Event != EventPong {
		t.Fatalf("connection must stay open after rate limit, got %s", env.Event)
	}
}
