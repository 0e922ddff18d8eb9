// Package audit implements async delivery of admission and authorization
// events.
//
// # Components
//
//   - [Sink] receives events (channel, JSON writer, no-op).
//   - [Dispatcher] is a buffered relay with drop-if-full / block-if-full semantics.
//   - [Event] is one decision record keyed by connection ID.
//
// # What this package must NOT do
//
//   - Decide which events to emit; the gate does that.
//   - Import sockauth or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
