package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes granted in the space separated "scope" claim.
const (
	ScopeManage = "keys:manage"
	ScopeSign   = "keys:sign"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims understood by the verifier.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the scope claim.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Permissions are what the caller may do: manage groups and certificates,
// and sign payloads.
type Permissions struct {
	Subject   string
	CanManage bool
	CanSign   bool
}

// PermissionsFromScopes maps scopes to permissions. Unknown scopes are ignored.
func PermissionsFromScopes(subject string, scopes []string) *Permissions {
	return &Permissions{
		Subject:   subject,
		CanManage: slices.Contains(scopes, ScopeManage),
		CanSign:   slices.Contains(scopes, ScopeSign),
	}
}

// Verifier validates ES256 bearer tokens signed by a single trusted key.
type Verifier struct {
	publicKey *ecdsa.PublicKey
	parser    *jwt.Parser
}

// VerifierOption configures a Verifier.
type VerifierOption func(*verifierOptions)

type verifierOptions struct {
	issuer   string
	audience string
	leeway   time.Duration
}

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) VerifierOption {
	return func(o *verifierOptions) { o.issuer = issuer }
}

// WithAudience requires aud to contain audience.
func WithAudience(audience string) VerifierOption {
	return func(o *verifierOptions) { o.audience = audience }
}

// WithLeeway allows for clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) VerifierOption {
	return func(o *verifierOptions) { o.leeway = d }
}

// NewVerifierFromPEM builds a verifier from a PEM encoded EC public key.
func NewVerifierFromPEM(publicKeyPEM string, opts ...VerifierOption) (*Verifier, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("JWT public key not provided")
	}

	publicKey, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT public key: %w", err)
	}

	o := &verifierOptions{leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(o.leeway),
	}
	if o.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(o.issuer))
	}
	if o.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(o.audience))
	}

	return &Verifier{publicKey: publicKey, parser: jwt.NewParser(parserOpts...)}, nil
}

// Verify checks the token signature and registered claims and returns the
// permissions it grants.
func (v *Verifier) Verify(tokenString string) (*Permissions, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	return PermissionsFromScopes(claims.Subject, claims.Scopes()), nil
}
