// Package session owns per-connection authentication state and the Redis
// presence registry of live connections.
//
// # Connection state
//
// A [State] is created Pending when a connection attempt is accepted for
// processing and is bound exactly once to Authenticated, Anonymous or Rejected.
// Binding is a single compare-and-swap; after it succeeds the state never
// changes again. Readers may call the accessors from any goroutine.
//
// # Presence registry
//
// [Store] records admitted connections in Redis so operators and other nodes
// can see who is connected. Presence is observability only: authorization
// decisions read the in-memory [State], never the registry.
//
// # What this package must NOT do
//
//   - Import sockauth or jwt (no upward imports).
//   - Decide whether a connection is admitted.
//   - Persist credentials.
package session
