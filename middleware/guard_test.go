package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrEthical07/sockauth"
	"github.com/MrEthical07/sockauth/jwt"
)

var testSecret = []byte("middleware-test-secret-0123456789")

func newGate(t *testing.T) *sockauth.Gate {
	t.Helper()
	cfg := sockauth.DefaultConfig()
	cfg.Token.Secret = testSecret
	g, err := sockauth.New().WithConfig(cfg).Build()
	if err != nil {
		t.Fatalf("build gate: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func token(t *testing.T, id jwt.Identity) string {
	t.Helper()
	is, err := jwt.NewIssuer(jwt.IssuerConfig{
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    testSecret,
		TTL:           time.Hour,
	})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	tok, err := is.Sign(id, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func subjectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, ok := StateFromRequest(r)
		if !ok {
			http.Error(w, "no state", http.StatusInternalServerError)
			return
		}
		sub, _ := state.SubjectID()
		_, _ = w.Write([]byte(sub))
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestRequireAuth(t *testing.T) {
	g := newGate(t)
	h := RequireAuth(g)(subjectHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || decodeError(t, rec) != string(sockauth.ReasonAuthRequired) {
		t.Fatalf("expected 401 auth required, got %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, jwt.Identity{SubjectID: "u1"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "u1" {
		t.Fatalf("expected 200 u1, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAllowAnonymous(t *testing.T) {
	g := newGate(t)
	h := AllowAnonymous(g)(subjectHandler())

	req := httptest.NewRequest(http.MethodGet, "/?token=garbage", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "" {
		t.Fatalf("expected anonymous 200, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequireAdmin(t *testing.T) {
	g := newGate(t)
	h := RequireAuth(g)(RequireAdmin(g)(subjectHandler()))

	req := httptest.NewRequest(http.MethodGet, "/?token="+token(t, jwt.Identity{SubjectID: "u1", Role: "member"}), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || decodeError(t, rec) != string(sockauth.ReasonAdminRequired) {
		t.Fatalf("expected 403, got %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/?token="+token(t, jwt.Identity{SubjectID: "root", Role: "admin"}), nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "root" {
		t.Fatalf("expected admin 200, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRequireOwner(t *testing.T) {
	g := newGate(t)
	mux := http.NewServeMux()
	mux.Handle("GET /subjects/{subject}", RequireAuth(g)(RequireOwner(g, func(r *http.Request) string {
		return r.PathValue("subject")
	})(subjectHandler())))

	req := httptest.NewRequest(http.MethodGet, "/subjects/u2?token="+token(t, jwt.Identity{SubjectID: "u1", Role: "admin"}), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || decodeError(t, rec) != string(sockauth.ReasonAccessDenied) {
		t.Fatalf("expected 403 access denied, got %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/subjects/u1?token="+token(t, jwt.Identity{SubjectID: "u1"}), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "u1" {
		t.Fatalf("expected owner 200, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRequireAdminWithoutGuard(t *testing.T) {
	g := newGate(t)
	rec := httptest.NewRecorder()
	RequireAdmin(g)(subjectHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without state, got %d", rec.Code)
	}
}

func TestGuardNilGate(t *testing.T) {
	rec := httptest.NewRecorder()
	Guard(nil, sockauth.ModeOptional)(subjectHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
