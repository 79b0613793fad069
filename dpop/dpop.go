// Package dpop verifies Demonstration of Proof-of-Possession proofs (RFC
// 9449), the sender-constraining mechanism spec §6 requires on token
// issuance, refresh, and resource-server presentation. Built on
// github.com/go-jose/go-jose/v4, the same JOSE library dexidp-dex's modern
// server package uses for every other JWS operation (server/oauth2.go,
// server/handlers.go).
package dpop

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/atproto-oauth/oauthcore/internal/ids"
)

// Proof is a verified DPoP proof's relevant claims.
type Proof struct {
	JKT   string // JWK thumbprint of the proof's bound public key.
	JTI   string
	IAT   time.Time
	Nonce string
	Ath   string
}

var (
	ErrMalformed = errors.New("dpop: malformed proof")
	ErrMismatch  = errors.New("dpop: htm/htu mismatch")
	ErrStale     = errors.New("dpop: proof iat outside acceptable window")
	ErrBadNonce  = errors.New("dpop: nonce mismatch or missing")
)

// VerifyOpts parameterizes Verify.
type VerifyOpts struct {
	Method        string        // expected "htm"
	URL           string        // expected "htu"
	ExpectedNonce string        // "" if the caller hasn't issued a nonce yet.
	MaxAge        time.Duration // maximum age of "iat"; 0 disables the check.
	Now           time.Time
}

// Verify checks a compact DPoP JWS (header typ "dpop+jwt") against opts and
// returns its claims.
func Verify(compact string, opts VerifyOpts) (Proof, error) {
	jws, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.PS256})
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(jws.Signatures) != 1 {
		return Proof{}, fmt.Errorf("%w: must have exactly one signature", ErrMalformed)
	}
	header := jws.Signatures[0].Header
	if typ, ok := header.ExtraHeaders[jose.HeaderKey("typ")]; !ok || typ != "dpop+jwt" {
		return Proof{}, fmt.Errorf("%w: typ must be dpop+jwt", ErrMalformed)
	}
	if header.JSONWebKey == nil {
		return Proof{}, fmt.Errorf("%w: missing jwk header", ErrMalformed)
	}
	jwk := *header.JSONWebKey
	if !jwk.Valid() || !jwk.IsPublic() {
		return Proof{}, fmt.Errorf("%w: invalid jwk header", ErrMalformed)
	}

	payload, err := jws.Verify(&jwk)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: signature verification failed", ErrMalformed)
	}

	var claims struct {
		JTI   string `json:"jti"`
		HTM   string `json:"htm"`
		HTU   string `json:"htu"`
		IAT   int64  `json:"iat"`
		Nonce string `json:"nonce"`
		Ath   string `json:"ath"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Proof{}, fmt.Errorf("%w: malformed payload", ErrMalformed)
	}
	if claims.JTI == "" {
		return Proof{}, fmt.Errorf("%w: jti is required", ErrMalformed)
	}
	if claims.HTM != opts.Method || claims.HTU != opts.URL {
		return Proof{}, ErrMismatch
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	iat := time.Unix(claims.IAT, 0)
	if opts.MaxAge > 0 {
		if iat.After(now.Add(30*time.Second)) || now.Sub(iat) > opts.MaxAge {
			return Proof{}, ErrStale
		}
	}
	if opts.ExpectedNonce != "" && claims.Nonce != opts.ExpectedNonce {
		return Proof{}, ErrBadNonce
	}

	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return Proof{
		JKT:   base64.RawURLEncoding.EncodeToString(sum),
		JTI:   claims.JTI,
		IAT:   iat,
		Nonce: claims.Nonce,
		Ath:   claims.Ath,
	}, nil
}

// AccessTokenHash computes the "ath" claim value for a resource-server-bound
// proof: base64url(SHA-256(access_token)).
func AccessTokenHash(accessToken string) string {
	h := crypto.SHA256.New()
	h.Write([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// NewNonce returns a fresh random value suitable for a DPoP-Nonce response
// header.
func NewNonce() string {
	return ids.New(20)
}
