package client

import (
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Client is a resolved client's metadata (spec §3 "Client").
type Client struct {
	ID                      string
	ApplicationType         string // "web" | "native"
	GrantTypes              []string
	RedirectURIs            []string
	TokenEndpointAuthMethod string // "none" | "private_key_jwt"
	Scope                   string
	JWKS                    *jose.JSONWebKeySet
	JWKSURI                 string
	IsFirstParty            bool
	FetchedAt               time.Time
}

func (c Client) allowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsGrant reports whether c registered grant among its grant_types
// (spec §4.5: grant dispatch is gated per client metadata, not just per
// server configuration).
func (c Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// Auth is the tagged record of how a client authenticated on a given
// request (spec §3 "ClientAuth"). Exactly one of the method-specific
// fields is meaningful, selected by Method.
type Auth struct {
	Method string // "none" | "private_key_jwt"
	KID    string
	Alg    string
	JKT    string // JWK thumbprint of the authenticating key, when applicable.
}

// Equal reports whether two ClientAuth records describe the same
// authentication method, which spec Invariant on findCode requires to be an
// exact match (a code obtained under one client-auth method cannot be
// redeemed under another).
func (a Auth) Equal(b Auth) bool {
	return a.Method == b.Method && a.KID == b.KID && a.JKT == b.JKT
}

// RequestObject is a decoded JAR payload (spec §6 "JAR" wire format).
type RequestObject struct {
	JTI    string
	Header map[string]any
	JKT    string
	Params map[string]any
}
