package middleware

import (
	"net/http"

	"github.com/MrEthical07/sockauth"
)

// RequireAuth rejects requests without a valid credential.
func RequireAuth(gate *sockauth.Gate) func(http.Handler) http.Handler {
	return Guard(gate, sockauth.ModeRequired)
}
