package middleware

import (
	"net/http"

	"github.com/MrEthical07/sockauth"
)

// AllowAnonymous admits every request, binding anonymous when the credential
// is absent or fails verification.
func AllowAnonymous(gate *sockauth.Gate) func(http.Handler) http.Handler {
	return Guard(gate, sockauth.ModeOptional)
}
