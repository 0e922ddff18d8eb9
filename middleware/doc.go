// Package middleware exposes HTTP adapters over sockauth.Gate for endpoints
// that are not upgraded to a persistent channel, and for per-action role
// checks on handlers behind a guard.
//
// # Guards
//
//   - [Guard] admits the request under an explicit mode.
//   - [RequireAuth] is Guard in required mode.
//   - [AllowAnonymous] is Guard in optional mode.
//   - [RequireRole] and [RequireAdmin] evaluate role predicates against the
//     state attached by a guard.
//
// Refusals are written as a JSON body {"error": reason} with the status the
// reason maps to. The reason is always one of the fixed client-facing
// strings; verification detail stays in the gate's logs.
//
// # What this package must NOT do
//
//   - Parse tokens directly (delegates to Gate.Admit).
//   - Make decisions beyond the gate's Outcome.
package middleware
