// Package sockauth admits persistent connections: it verifies the handshake
// credential, binds the result to connection-scoped session state exactly
// once, and returns a typed [Outcome] that the transport turns into a single
// accept or refuse.
//
// The package is designed for concurrent server workloads: [Gate] methods are
// safe to call from many goroutines after [Builder.Build].
//
// # Architecture boundaries
//
// sockauth is the decision surface. It exposes [Gate], [Builder], [Config],
// [Bind], the authorization predicates and value types. Token parsing lives in
// jwt, connection state and presence in session, the websocket transport in
// channel.
//
// # What this package must NOT do
//
//   - Accept or close connections itself (the transport performs the effect).
//   - Let a verification error escape as anything other than an [Outcome].
//   - Block an admission on unbounded I/O.
//
// # Performance contract
//
// Admit is the hot path. Without a subject validator or rate limiter it makes
// no network calls; with them every call is bounded by a timeout.
package sockauth
