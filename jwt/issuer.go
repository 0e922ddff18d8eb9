package jwt

import (
	"errors"
	"strings"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

// IssuerConfig configures token minting.
type IssuerConfig struct {
	SigningMethod SigningMethod
	// PrivateKey is the HS256 secret or the Ed25519 private key (raw or PEM).
	PrivateKey []byte
	KeyID      string
	Issuer     string
	Audience   string
	TTL        time.Duration
}

// Identity is the set of claims an Issuer signs.
type Identity struct {
	SubjectID string
	Username  string
	Email     string
	Role      string
}

// Issuer signs credentials that a Verifier with matching configuration accepts.
// The server never issues tokens on the connection path; Issuer exists for the
// load driver, tests, and operational tooling.
type Issuer struct {
	config IssuerConfig
	method gjwt.SigningMethod
	key    any
}

// NewIssuer validates cfg and resolves the signing key.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	is := &Issuer{config: cfg}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
		is.method = gjwt.SigningMethodHS256
		is.key = cloneKey(cfg.PrivateKey)
	case MethodEd25519:
		priv, err := parseEdPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		is.method = gjwt.SigningMethodEdDSA
		is.key = priv
	default:
		return nil, errors.New("unsupported signing method")
	}
	return is, nil
}

// Sign mints a token for id, issued at now and expiring after the configured TTL.
func (is *Issuer) Sign(id Identity, now time.Time) (string, error) {
	return is.SignWithExpiry(id, now, now.Add(is.config.TTL))
}

// SignWithExpiry mints a token with an explicit expiry. An expiry in the past
// produces an already-expired token.
func (is *Issuer) SignWithExpiry(id Identity, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{
		UserID:   id.SubjectID,
		Username: id.Username,
		Email:    id.Email,
		Role:     id.Role,
		RegisteredClaims: gjwt.RegisteredClaims{
			IssuedAt:  gjwt.NewNumericDate(issuedAt),
			ExpiresAt: gjwt.NewNumericDate(expiresAt),
			Issuer:    is.config.Issuer,
		},
	}
	if is.config.Audience != "" {
		claims.Audience = gjwt.ClaimStrings{is.config.Audience}
	}

	token := gjwt.NewWithClaims(is.method, claims)
	if is.config.KeyID != "" {
		token.Header["kid"] = is.config.KeyID
	}
	return token.SignedString(is.key)
}
