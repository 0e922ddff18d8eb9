// Package jwt verifies the bearer credentials presented on connection handshakes
// and mints them for tooling. Verification is a pure function of
// (credential, configured key material, clock) and is safe for concurrent use.
//
// Every failure is reported as a [*VerificationError] whose [Kind] separates
// missing, malformed, expired, and subject-less credentials so callers can map
// them to client-safe reasons without string matching.
package jwt
