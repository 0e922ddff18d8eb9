package middleware

import (
	"net/http"

	"github.com/MrEthical07/sockauth"
)

// RequireRole refuses requests whose bound state does not hold role. It must
// be mounted behind a guard; a request with no state is refused as
// unauthenticated.
func RequireRole(gate *sockauth.Gate, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state, _ := StateFromRequest(r)
			out := gate.Authorize(r.Context(), state, role)
			if out.Rejected() {
				writeReject(w, out.Reason())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin is RequireRole(gate, sockauth.RoleAdmin).
func RequireAdmin(gate *sockauth.Gate) func(http.Handler) http.Handler {
	return RequireRole(gate, sockauth.RoleAdmin)
}

// RequireOwner refuses requests whose bound subject is not the owner named
// by owner(r), typically a path value. It must be mounted behind a guard.
func RequireOwner(gate *sockauth.Gate, owner func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state, _ := StateFromRequest(r)
			out := gate.AuthorizeSubject(r.Context(), state, owner(r))
			if out.Rejected() {
				writeReject(w, out.Reason())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
