package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	// MethodHS256 verifies HMAC-SHA256 tokens against a shared secret.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 verifies EdDSA tokens against one or more public keys.
	MethodEd25519 SigningMethod = "ed25519"
)

// Claims is the decoded payload of a verified credential.
//
// The subject is read from "userId" and falls back to the registered "sub"
// claim, so tokens minted by either convention verify the same way.
type Claims struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	gjwt.RegisteredClaims
}

// SubjectID returns the identity asserted by the claims.
func (c *Claims) SubjectID() string {
	if c == nil {
		return ""
	}
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Config is the read-only verification configuration.
type Config struct {
	SigningMethod SigningMethod
	// Secret is the HS256 shared key.
	Secret []byte
	// PublicKey is the Ed25519 key used when VerifyKeys is empty. Raw 32-byte
	// keys and PEM are both accepted.
	PublicKey []byte
	// VerifyKeys maps a "kid" header to an Ed25519 public key (or HS256
	// secret) for key rotation. When set, tokens must carry a known kid.
	VerifyKeys   map[string][]byte
	Issuer       string
	Audience     string
	Leeway       time.Duration
	MaxFutureIAT time.Duration
}

// Verifier validates bearer credentials. A Verifier holds no mutable state.
type Verifier struct {
	config Config
	method gjwt.SigningMethod
	key    any
	keys   map[string]any
}

// NewVerifier validates cfg and resolves its key material once.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}

	v := &Verifier{config: cfg}

	switch cfg.SigningMethod {
	case MethodHS256:
		v.method = gjwt.SigningMethodHS256
		if len(cfg.Secret) == 0 && len(cfg.VerifyKeys) == 0 {
			return nil, errors.New("hs256 requires secret")
		}
		if len(cfg.Secret) > 0 {
			v.key = cloneKey(cfg.Secret)
		}
	case MethodEd25519:
		v.method = gjwt.SigningMethodEdDSA
		if len(cfg.PublicKey) == 0 && len(cfg.VerifyKeys) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return nil, err
			}
			v.key = pub
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	if len(cfg.VerifyKeys) > 0 {
		v.keys = make(map[string]any, len(cfg.VerifyKeys))
		for kid, raw := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if cfg.SigningMethod == MethodHS256 {
				if len(raw) == 0 {
					return nil, fmt.Errorf("empty hs256 verify key for kid %q", kid)
				}
				v.keys[kid] = cloneKey(raw)
				continue
			}
			pub, err := parseEdPublicKey(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
			v.keys[kid] = pub
		}
	}

	return v, nil
}

// Verify decodes and validates credential as of now.
//
// The returned error is always a *VerificationError. Expiry is only reported
// for tokens whose signature verified; a forged expired token is malformed.
func (v *Verifier) Verify(credential string, now time.Time) (*Claims, error) {
	if credential == "" {
		return nil, NewVerificationError(KindMissing, ErrMissingCredential)
	}

	options := []gjwt.ParserOption{
		gjwt.WithValidMethods([]string{v.method.Alg()}),
		gjwt.WithTimeFunc(func() time.Time { return now }),
	}
	if v.config.Leeway > 0 {
		options = append(options, gjwt.WithLeeway(v.config.Leeway))
	}
	if v.config.Issuer != "" {
		options = append(options, gjwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		options = append(options, gjwt.WithAudience(v.config.Audience))
	}

	claims := &Claims{}
	token, err := gjwt.NewParser(options...).ParseWithClaims(credential, claims, v.keyFunc)
	if err != nil {
		return nil, NewVerificationError(classify(err), err)
	}
	if !token.Valid {
		return nil, NewVerificationError(KindUnexpected, gjwt.ErrTokenInvalidClaims)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(now.Add(v.config.MaxFutureIAT)) {
		return nil, NewVerificationError(KindMalformed, errors.New("token iat too far in the future"))
	}
	if strings.TrimSpace(claims.SubjectID()) == "" {
		return nil, NewVerificationError(KindMissingSubject, ErrMissingSubject)
	}

	return claims, nil
}

func (v *Verifier) keyFunc(t *gjwt.Token) (any, error) {
	if t.Method.Alg() != v.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	if len(v.keys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := v.keys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return key, nil
	}

	if v.key == nil {
		return nil, errors.New("no verification key configured")
	}
	return v.key, nil
}

func cloneKey(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := gjwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := gjwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
