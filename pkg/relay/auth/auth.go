// Package auth resolves which relay API key a WebSocket or HTTP
// caller presented and carries that identity through request
// contexts for the packages downstream of the middleware chain.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrNoCredentials means the request carried no usable bearer token.
	ErrNoCredentials = errors.New("auth: no bearer token")
	// ErrUnknownKey means the token is not in the relay keyring.
	ErrUnknownKey = errors.New("auth: unknown api key")
)

// Principal is the authenticated caller identity.
type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// Keyring is the static set of API keys the relay accepts. It is
// built once at startup from configuration and read-only afterwards.
type Keyring struct {
	keys map[string]struct{}
}

func NewKeyring(keys map[string]struct{}) *Keyring {
	k := &Keyring{keys: make(map[string]struct{}, len(keys))}
	for key := range keys {
		k.keys[key] = struct{}{}
	}
	return k
}

// Authenticate extracts the bearer token from r and resolves it
// against the keyring. It returns ErrNoCredentials when no token is
// present so callers in optional mode can tell "anonymous" apart from
// "wrong key".
func (k *Keyring) Authenticate(r *http.Request) (*Principal, error) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, ErrNoCredentials
	}
	if _, ok := k.keys[token]; !ok {
		return nil, ErrUnknownKey
	}
	return &Principal{APIKey: token}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token, token != ""
}
