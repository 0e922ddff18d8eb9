package sockauth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// DefaultAuthField is the query parameter carrying the handshake credential.
const DefaultAuthField = "token"

// Handshake is everything the gate needs from a connection attempt.
type Handshake struct {
	// ConnID is the stable per-attempt identifier used in logs and audit.
	ConnID     string
	RemoteAddr string
	// AuthField is the credential from the connection-setup auxiliary field.
	AuthField string
	// AuthorizationHeader is the raw Authorization header value.
	AuthorizationHeader string
}

// HandshakeFromRequest builds a Handshake from an upgrade request, reading the
// credential from the query parameter authField and the Authorization header.
// A fresh connection ID is generated.
func HandshakeFromRequest(r *http.Request, authField string) Handshake {
	if authField == "" {
		authField = DefaultAuthField
	}
	return Handshake{
		ConnID:              uuid.NewString(),
		RemoteAddr:          r.RemoteAddr,
		AuthField:           r.URL.Query().Get(authField),
		AuthorizationHeader: r.Header.Get("Authorization"),
	}
}

// Credential returns the presented credential. The auxiliary field wins over
// the header. An empty result means no credential was supplied.
func (h Handshake) Credential() string {
	if h.AuthField != "" {
		return h.AuthField
	}
	token, _ := bearerToken(h.AuthorizationHeader)
	return token
}

// bearerToken strips the case-sensitive "Bearer " prefix. A value without the
// prefix is not a credential.
func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
