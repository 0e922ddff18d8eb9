// Package rate provides the Redis-backed fixed-window limiter that bounds
// connection handshakes per remote address and channel events per subject.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Keys are
// "<prefix>:h:<host>" for handshakes and "<prefix>:<key>" for
// [Limiter.Allow]. A Redis failure is reported as ErrRedisUnavailable and
// callers decide whether to fail open.
//
// # What this package must NOT do
//
//   - Decide admission outcomes (the gate maps ErrRateLimited to a rejection).
//   - Be imported outside the sockauth module.
package rate
