package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/MrEthical07/sockauth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandlerFunc handles one client event. A non-nil error is answered with an
// error event carrying err's text.
type HandlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) error

type handler struct {
	role string
	fn   HandlerFunc
}

// Options tunes connection handling. Zero values take the defaults.
type Options struct {
	// ReadTimeout is how long a connection may stay silent, pongs included.
	ReadTimeout time.Duration
	// PingInterval must be shorter than ReadTimeout.
	PingInterval time.Duration
	WriteTimeout time.Duration
	// SendQueue bounds buffered outgoing messages per connection.
	SendQueue int
	// MaxMessageSize bounds a single inbound message.
	MaxMessageSize int64
	// CheckOrigin is passed to the upgrader. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

// Hub tracks every admitted connection and its rooms.
type Hub struct {
	gate     *sockauth.Gate
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*Conn
	rooms    map[string]map[string]*Conn
	handlers map[string]handler
	closed   bool

	// active counts registered connections whose teardown has not finished.
	active sync.WaitGroup
}

// New creates a hub admitting through gate. A nil logger falls back to the
// gate's.
func New(gate *sockauth.Gate, logger *zap.Logger, opts Options) *Hub {
	if logger == nil {
		logger = gate.Logger()
	}
	opts = opts.withDefaults()
	return &Hub{
		gate:   gate,
		logger: logger.Named("channel"),
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns:    make(map[string]*Conn),
		rooms:    make(map[string]map[string]*Conn),
		handlers: make(map[string]handler),
	}
}

// Handle registers fn for event. Built-in events cannot be overridden.
func (h *Hub) Handle(event string, fn HandlerFunc) {
	h.HandleRole(event, "", fn)
}

// HandleAdmin registers fn for event, callable only by admin connections.
func (h *Hub) HandleAdmin(event string, fn HandlerFunc) {
	h.HandleRole(event, sockauth.RoleAdmin, fn)
}

// HandleRole registers fn for event, callable only by connections holding
// role. An empty role allows every connection, anonymous ones included.
func (h *Hub) HandleRole(event, role string, fn HandlerFunc) {
	if isBuiltin(event) {
		panic(fmt.Sprintf("channel: event %q is built in", event))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = handler{role: role, fn: fn}
}

func isBuiltin(event string) bool {
	if event == EventPing || event == EventConnected {
		return true
	}
	_, ok := roomEvents[event]
	return ok
}

// Endpoint returns the upgrade handler for an endpoint admitting under mode.
func (h *Hub) Endpoint(mode sockauth.Mode) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, mode)
	})
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, mode sockauth.Mode) {
	hs := sockauth.HandshakeFromRequest(r, h.gate.AuthField())
	out, err := h.gate.Admit(r.Context(), hs, mode)
	if err != nil {
		if errors.Is(err, sockauth.ErrAdmissionAbandoned) {
			return
		}
		h.logger.Error("admission failed", zap.String("conn_id", hs.ConnID), zap.Error(err))
		writeRefusal(w, sockauth.ReasonAuthFailed)
		return
	}
	if out.Rejected() {
		writeRefusal(w, out.Reason())
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("conn_id", hs.ConnID), zap.Error(err))
		return
	}

	c := newConn(ws, out.State(), hs.RemoteAddr, h.opts.SendQueue, time.Now())
	ctx := sockauth.WithState(context.WithoutCancel(r.Context()), c.state)
	if !h.register(c) {
		_ = ws.Close()
		return
	}
	h.gate.TrackPresence(ctx, c.state, c.remoteAddr)
	defer h.unregister(ctx, c)

	go c.writePump(h.opts.PingInterval, h.opts.WriteTimeout)

	subject, _ := c.state.SubjectID()
	_ = c.Send(EventConnected, ConnectedPayload{
		SocketID:  c.id,
		Anonymous: c.state.IsAnonymous(),
		SubjectID: subject,
	})

	h.readLoop(ctx, c)
}

func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	ws := c.ws
	ws.SetReadLimit(h.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		c.touch(time.Now())
		h.gate.TouchPresence(ctx, c.id)
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		c.touch(time.Now())

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
			h.logger.Debug("invalid message", zap.String("conn_id", c.id), zap.Error(err))
			_ = c.Send(EventError, ErrorPayload{Reason: "Invalid message"})
			continue
		}
		h.dispatch(ctx, c, env)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Conn, env Envelope) {
	if env.Event == EventPing {
		_ = c.Send(EventPong, nil)
		return
	}

	if re, ok := roomEvents[env.Event]; ok {
		if err := h.gate.AllowSubscription(ctx, c.state, c.remoteAddr); err != nil {
			h.sendRateLimited(c, env.Event, "Too many subscription requests", err)
			return
		}
		id := roomID(env.Data, re.field)
		if id == "" {
			_ = c.Send(EventError, ErrorPayload{Event: env.Event, Reason: "Missing " + re.field})
			return
		}
		room := re.prefix + id
		if re.join {
			h.join(c, room)
		} else {
			h.leave(c, room)
		}
		_ = c.Send(re.ack, map[string]string{re.field: id})
		return
	}

	h.mu.RLock()
	hd, ok := h.handlers[env.Event]
	h.mu.RUnlock()
	if !ok {
		_ = c.Send(EventError, ErrorPayload{Event: env.Event, Reason: "Unknown event"})
		return
	}

	if err := h.gate.AllowMessage(ctx, c.state, c.remoteAddr); err != nil {
		h.sendRateLimited(c, env.Event, "Too many requests", err)
		return
	}

	if hd.role != "" {
		if out := h.gate.Authorize(ctx, c.state, hd.role); out.Rejected() {
			_ = c.Send(EventError, ErrorPayload{Event: env.Event, Reason: string(out.Reason())})
			return
		}
	}

	if err := hd.fn(ctx, c, env.Data); err != nil {
		h.logger.Debug("handler failed",
			zap.String("conn_id", c.id),
			zap.String("event", env.Event),
			zap.Error(err),
		)
		_ = c.Send(EventError, ErrorPayload{Event: env.Event, Reason: err.Error()})
	}
}

func (h *Hub) sendRateLimited(c *Conn, event, message string, err error) {
	var retryAfter time.Duration
	var rl *sockauth.EventRateLimitError
	if errors.As(err, &rl) {
		retryAfter = rl.RetryAfter
	}
	_ = c.Send(EventRateLimitError, RateLimitPayload{
		Event:      event,
		Message:    message,
		RetryAfter: retryAfter.Milliseconds(),
	})
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.active.Add(1)
	return true
}

func (h *Hub) unregister(ctx context.Context, c *Conn) {
	defer h.active.Done()
	c.close()

	h.mu.Lock()
	delete(h.conns, c.id)
	c.mu.Lock()
	for room := range c.rooms {
		h.removeFromRoomLocked(room, c.id)
	}
	c.rooms = map[string]struct{}{}
	c.mu.Unlock()
	h.mu.Unlock()

	h.gate.UntrackPresence(ctx, c.state)
	h.logger.Debug("connection closed", zap.String("conn_id", c.id))
}

func (h *Hub) join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.id] = c

	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(room, c.id)

	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (h *Hub) removeFromRoomLocked(room, connID string) {
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast sends event to every connection and returns how many were
// queued.
func (h *Hub) Broadcast(event string, data any) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.fanOut(targets, event, data)
}

// BroadcastRoom sends event to every member of room.
func (h *Hub) BroadcastRoom(room, event string, data any) int {
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*Conn, 0, len(members))
	for _, c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.fanOut(targets, event, data)
}

func (h *Hub) fanOut(targets []*Conn, event string, data any) int {
	if len(targets) == 0 {
		return 0
	}
	msg, err := encode(event, data, time.Now())
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return 0
	}
	sent := 0
	for _, c := range targets {
		if err := c.enqueue(msg); err == nil {
			sent++
		} else if errors.Is(err, ErrSendQueueFull) {
			h.logger.Warn("slow connection dropped", zap.String("conn_id", c.id))
		}
	}
	return sent
}

// SendTo sends event to one connection.
func (h *Hub) SendTo(connID, event string, data any) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", connID)
	}
	return c.Send(event, data)
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ConnInfo describes one open connection.
type ConnInfo struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Role       string    `json:"role,omitempty"`
	Anonymous  bool      `json:"anonymous"`
	RemoteAddr string    `json:"remote_addr"`
	Connected  time.Time `json:"connected"`
	LastSeen   time.Time `json:"last_seen"`
	Rooms      []string  `json:"rooms,omitempty"`
}

// Connections lists open connections ordered by connect time.
func (h *Hub) Connections() []ConnInfo {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		subject, _ := c.state.SubjectID()
		rooms := c.Rooms()
		sort.Strings(rooms)
		c.mu.Lock()
		lastSeen := c.lastSeen
		c.mu.Unlock()
		out = append(out, ConnInfo{
			ID:         c.id,
			SubjectID:  subject,
			Role:       c.state.Role(),
			Anonymous:  c.state.IsAnonymous(),
			RemoteAddr: c.remoteAddr,
			Connected:  c.connected,
			LastSeen:   lastSeen,
			Rooms:      rooms,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Connected.Equal(out[j].Connected) {
			return out[i].ID < out[j].ID
		}
		return out[i].Connected.Before(out[j].Connected)
	})
	return out
}

// Shutdown closes the hub and waits until every connection has been torn
// down, presence records included. It returns ctx's error if the wait is cut
// short. Callers release the gate and its Redis client only after Shutdown.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.Close()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting connections and signals every open one to close. It
// does not wait for teardown; see Shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

type refusal struct {
	Error string `json:"error"`
}

func writeRefusal(w http.ResponseWriter, reason sockauth.Reason) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reason.HTTPStatus())
	_ = json.NewEncoder(w).Encode(refusal{Error: string(reason)})
}
