// Package users is the SQLite-backed subject directory the gate consults
// after a credential verifies. Only subjects whose status is active may
// connect.
package users
