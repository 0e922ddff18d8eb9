package sockauth

import (
	"io"

	internalaudit "github.com/MrEthical07/sockauth/internal/audit"
)

// Audit event types emitted by the gate.
const (
	AuditAdmissionAccepted   = "admission_accepted"
	AuditAdmissionAnonymous  = "admission_anonymous"
	AuditAdmissionRejected   = "admission_rejected"
	AuditAuthorizationDenied = "authorization_denied"
)

// AuditEvent is one admission or authorization record.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

// NoOpSink discards events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink buffers events in a channel; useful in tests.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON line per event.
type JSONWriterSink = internalaudit.JSONWriterSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
