package provider

import (
	"errors"
	"net/http"
	"time"

	"github.com/atproto-oauth/oauthcore/client"
	"github.com/atproto-oauth/oauthcore/dpop"
)

var errMissingClientID = errors.New("provider: missing client_id")

// resolveClient looks up the client named by the request's client_id form
// value and authenticates it per the presented credentials (spec §4.2),
// then enforces the native-application policy (Invariant 6 / Scenario S5).
func (p *Provider) resolveClient(r *http.Request) (client.Client, client.Auth, error) {
	clientID := r.Form.Get("client_id")
	if clientID == "" {
		return client.Client{}, client.Auth{}, errMissingClientID
	}
	c, err := p.client.GetClient(r.Context(), clientID)
	if err != nil {
		return client.Client{}, client.Auth{}, err
	}

	method := c.TokenEndpointAuthMethod
	if assertion := r.Form.Get("client_assertion"); assertion != "" {
		method = "private_key_jwt"
	} else if method == "" {
		method = "none"
	}

	auth, jti, err := p.client.VerifyCredentials(r.Context(), c, method, r.Form.Get("client_assertion"), client.VerifyOpts{
		Audience: p.cfg.Issuer,
		Skew:     p.cfg.ClientAssertionSkew,
	})
	if err != nil {
		return client.Client{}, client.Auth{}, err
	}
	if err := client.CheckApplicationPolicy(c, auth); err != nil {
		return client.Client{}, client.Auth{}, err
	}
	if jti != "" {
		ok, err := p.replay.UniqueAuth(r.Context(), jti, c.ID, p.cfg.ClientAssertionSkew+5*time.Minute)
		if err != nil {
			return client.Client{}, client.Auth{}, err
		}
		if !ok {
			return client.Client{}, client.Auth{}, client.ErrInvalidClient
		}
	}
	return c, auth, nil
}

// verifyDPoPProofHeader checks the request's DPoP header, if present,
// against method/url and the rotator's currently-expected nonce. A rejected
// proof rotates the nonce so the error response carries a fresh one; on
// success the caller rotates it. ok is false when no DPoP header was
// presented at all (a bearer-flow request).
func (p *Provider) verifyDPoPProofHeader(w http.ResponseWriter, r *http.Request) (proof dpop.Proof, ok bool, err error) {
	raw := r.Header.Get("DPoP")
	if raw == "" {
		return dpop.Proof{}, false, nil
	}
	proof, err = dpop.Verify(raw, dpop.VerifyOpts{
		Method:        r.Method,
		URL:           p.requestURL(r),
		ExpectedNonce: p.nonce.expected(),
		MaxAge:        60 * time.Second,
		Now:           p.now(),
	})
	if err != nil {
		p.nonce.rotate(w)
		return dpop.Proof{}, true, err
	}
	return proof, true, nil
}

func (p *Provider) requestURL(r *http.Request) string {
	return p.cfg.Issuer + r.URL.Path
}
