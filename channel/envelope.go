package channel

import (
	"encoding/json"
	"time"
)

// Built-in events.
const (
	EventConnected = "connected"
	EventPing      = "ping"
	EventPong      = "pong"
	EventError     = "error"
	// EventRateLimitError answers an event dropped by a rate limiter. The
	// connection stays open.
	EventRateLimitError = "rate_limit_error"

	EventJoinProject      = "join:project"
	EventLeaveProject     = "leave:project"
	EventSubscribeAgent   = "subscribe:agent"
	EventUnsubscribeAgent = "unsubscribe:agent"
	EventSubscribeTask    = "subscribe:task"
	EventUnsubscribeTask  = "unsubscribe:task"
)

// Envelope is one message on the channel. Data is kept raw on receipt and
// passed through untouched to handlers.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type outgoing struct {
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func encode(event string, data any, now time.Time) ([]byte, error) {
	return json.Marshal(outgoing{
		Event:     event,
		Data:      data,
		Timestamp: now.UnixMilli(),
	})
}

// ConnectedPayload is the data of the connected event.
type ConnectedPayload struct {
	SocketID  string `json:"socketId"`
	Anonymous bool   `json:"anonymous"`
	SubjectID string `json:"subjectId,omitempty"`
}

// ErrorPayload answers a refused or failed client event.
type ErrorPayload struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

// RateLimitPayload is the data of the rate_limit_error event. RetryAfter is
// in milliseconds.
type RateLimitPayload struct {
	Event      string `json:"event"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
}

// roomEvent describes a built-in room membership event.
type roomEvent struct {
	prefix string
	join   bool
	ack    string
	field  string
}

var roomEvents = map[string]roomEvent{
	EventJoinProject:      {prefix: "project:", join: true, ack: "joined:project", field: "projectId"},
	EventLeaveProject:     {prefix: "project:", join: false, ack: "left:project", field: "projectId"},
	EventSubscribeAgent:   {prefix: "agent:", join: true, ack: "subscribed:agent", field: "agentId"},
	EventUnsubscribeAgent: {prefix: "agent:", join: false, ack: "unsubscribed:agent", field: "agentId"},
	EventSubscribeTask:    {prefix: "task:", join: true, ack: "subscribed:task", field: "taskId"},
	EventUnsubscribeTask:  {prefix: "task:", join: false, ack: "unsubscribed:task", field: "taskId"},
}

// ProjectRoom, AgentRoom and TaskRoom name the built-in rooms.
func ProjectRoom(id string) string { return "project:" + id }
func AgentRoom(id string) string   { return "agent:" + id }
func TaskRoom(id string) string    { return "task:" + id }

// roomID accepts either a bare JSON string or an object carrying field.
func roomID(data json.RawMessage, field string) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	id, _ = obj[field].(string)
	return id
}
