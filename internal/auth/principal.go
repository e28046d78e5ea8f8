// Package auth models the authenticated caller identity sessions consume.
// Full user/ACL/TFA subsystems are out of core scope (spec §1): this
// package supplies a Principal, an Authenticator interface, and a JWT
// TokenService a future bearer-token transport can verify against — not a
// credential store or login flow.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// Principal is the authenticated caller identity handed to session start
// calls. It carries just enough to drive the core's owner-mismatch and
// owner-file checks — there is no user database behind it here.
type Principal struct {
	ID   string
	Role string
}

// Authenticator resolves the caller for an incoming session. Full login
// flows, user storage, and ACLs live outside this package; callers supply
// whatever Authenticator fits their transport.
type Authenticator interface {
	Authenticate(ctx context.Context) (Principal, error)
}

// StaticAuthenticator always returns a fixed principal. Used for local CLI
// invocations and other single-user contexts where no handshake occurs.
type StaticAuthenticator struct {
	Principal Principal
}

func (a StaticAuthenticator) Authenticate(ctx context.Context) (Principal, error) {
	return a.Principal, nil
}

// BearerAuthenticator authenticates a caller by verifying a JWT against a
// TokenService. The token is supplied out of band — e.g. lifted from a wire
// protocol handshake message — rather than parsed by this type.
type BearerAuthenticator struct {
	Tokens *TokenService
	Token  string
}

func (a BearerAuthenticator) Authenticate(ctx context.Context) (Principal, error) {
	if a.Token == "" {
		return Principal{}, errors.New("auth: no bearer token supplied")
	}
	claims, err := a.Tokens.Verify(a.Token)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: verify token: %w", err)
	}
	return claims.Principal(), nil
}

var (
	_ Authenticator = StaticAuthenticator{}
	_ Authenticator = BearerAuthenticator{}
)
