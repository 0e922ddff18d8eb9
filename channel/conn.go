package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/MrEthical07/sockauth/session"
	"github.com/gorilla/websocket"
)

// ErrSendQueueFull is returned when a connection is not draining its queue.
// The connection is closed when this happens.
var ErrSendQueueFull = errors.New("send queue full")

// ErrConnClosed is returned by sends on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is one admitted channel connection.
type Conn struct {
	id         string
	state      *session.State
	remoteAddr string
	connected  time.Time

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	rooms    map[string]struct{}
	lastSeen time.Time
}

func newConn(ws *websocket.Conn, state *session.State, remoteAddr string, queue int, now time.Time) *Conn {
	return &Conn{
		id:         state.ConnID(),
		state:      state,
		remoteAddr: remoteAddr,
		connected:  now,
		ws:         ws,
		send:       make(chan []byte, queue),
		done:       make(chan struct{}),
		rooms:      make(map[string]struct{}),
		lastSeen:   now,
	}
}

// ID returns the connection identifier, equal to its state's ConnID.
func (c *Conn) ID() string { return c.id }

// State returns the bound session state. It never changes after admission.
func (c *Conn) State() *session.State { return c.state }

// RemoteAddr returns the peer address seen at the handshake.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Send queues one event for the connection.
func (c *Conn) Send(event string, data any) error {
	msg, err := encode(event, data, time.Now())
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *Conn) enqueue(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.close()
		return ErrSendQueueFull
	}
}

// Rooms returns the rooms the connection is in.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// close only signals done. The write pump owns the socket and closes it after
// sending a close frame, which also unblocks the read loop.
func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
