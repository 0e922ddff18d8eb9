package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrEthical07/sockauth"
	"github.com/MrEthical07/sockauth/session"
)

// StateFromRequest returns the session state attached by a guard.
func StateFromRequest(r *http.Request) (*session.State, bool) {
	return sockauth.StateFromContext(r.Context())
}

// Guard admits each request through gate under mode. Proceeding requests
// carry their bound state in the request context.
func Guard(gate *sockauth.Gate, mode sockauth.Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gate == nil {
				writeReject(w, sockauth.ReasonAuthFailed)
				return
			}

			out, err := gate.Admit(r.Context(), sockauth.HandshakeFromRequest(r, gate.AuthField()), mode)
			if err != nil {
				if errors.Is(err, sockauth.ErrAdmissionAbandoned) {
					return
				}
				writeReject(w, sockauth.ReasonAuthFailed)
				return
			}
			if out.Rejected() {
				writeReject(w, out.Reason())
				return
			}

			ctx := sockauth.WithState(r.Context(), out.State())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeReject(w http.ResponseWriter, reason sockauth.Reason) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reason.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorBody{Error: string(reason)})
}
