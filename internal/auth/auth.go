// Package auth verifies the bearer and optional Basic credentials every
// route except /healthz requires, grounded on the teacher's gateway-key
// Authorizer but simplified to xtrace's single-bearer-token plus
// optional public/secret key pair.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/lipish/xtrace/internal/apierror"
	"github.com/lipish/xtrace/internal/config"
)

// Identity is the principal a request authenticated as. Principal alone
// is the rate limiter's bucket key; Kind records which scheme matched.
type Identity struct {
	Kind      string // "bearer" or "basic"
	Principal string // the bearer token, or the Basic username
}

// Authenticator holds the credentials configured at startup. It is
// immutable once built and safe for concurrent use.
type Authenticator struct {
	bearerToken      string
	publicKey        string
	secretKey        string
	basicAuthEnabled bool
}

func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		bearerToken:      cfg.BearerToken,
		publicKey:        cfg.PublicKey,
		secretKey:        cfg.SecretKey,
		basicAuthEnabled: cfg.PublicKey != "" && cfg.SecretKey != "",
	}
}

// Authenticate checks the request's Authorization header against the
// configured bearer token or, when both are configured, the Basic
// public/secret key pair. Every comparison is constant-time; the
// verification itself never suspends (no I/O, no map lookup keyed by
// untrusted input).
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, apierror.Unauthorized("missing Authorization header")
	}

	scheme, value, ok := strings.Cut(header, " ")
	if !ok {
		return nil, apierror.Unauthorized("malformed Authorization header")
	}
	value = strings.TrimSpace(value)

	switch strings.ToLower(scheme) {
	case "bearer":
		if !constantTimeEqual(value, a.bearerToken) {
			return nil, apierror.Unauthorized("invalid bearer token")
		}
		return &Identity{Kind: "bearer", Principal: value}, nil
	case "basic":
		return a.authenticateBasic(value)
	default:
		return nil, apierror.Unauthorized("unsupported Authorization scheme")
	}
}

func (a *Authenticator) authenticateBasic(encoded string) (*Identity, error) {
	if !a.basicAuthEnabled {
		return nil, apierror.Unauthorized("basic auth is not configured")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apierror.Unauthorized("malformed Basic credentials")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, apierror.Unauthorized("malformed Basic credentials")
	}
	if !constantTimeEqual(username, a.publicKey) || !constantTimeEqual(password, a.secretKey) {
		return nil, apierror.Unauthorized("invalid Basic credentials")
	}
	return &Identity{Kind: "basic", Principal: username}, nil
}

type identityContextKey struct{}

// WithIdentity returns a context carrying identity, for handlers downstream
// of Authenticate to read back without re-parsing the Authorization header.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves the identity stored by WithIdentity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok && identity != nil
}

// constantTimeEqual compares two strings in constant time, avoiding the
// length-dependent short-circuit a plain "==" allows.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// still run the comparison so callers can't distinguish a
		// length mismatch from a content mismatch by timing.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
