package provider

import (
	"errors"
	"net/http"

	"github.com/atproto-oauth/oauthcore/client"
	"github.com/atproto-oauth/oauthcore/request"
	"github.com/atproto-oauth/oauthcore/token"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// handleToken implements POST /oauth/token, dispatching on grant_type
// (spec §6, Invariants 2-6, Scenarios S1/S2/S3/S5).
func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	c, auth, err := p.resolveClient(r)
	if err != nil {
		p.writeClientAuthError(w, err)
		return
	}

	var dpopJKT string
	if proof, hasProof, err := p.verifyDPoPProofHeader(w, r); err != nil {
		writeJSONError(w, http.StatusBadRequest, dpopErrorCode(err), "invalid DPoP proof")
		return
	} else if hasProof {
		ok, rerr := p.replay.UniqueDPoP(r.Context(), proof.JKT, proof.JTI, proof.IAT, 5*defaultMinute)
		if rerr != nil {
			writeJSONError(w, http.StatusInternalServerError, "server_error", "")
			return
		}
		if !ok {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "dpop proof replayed")
			return
		}
		dpopJKT = proof.JKT
	}

	grantType := r.Form.Get("grant_type")
	switch grantType {
	case "authorization_code", "refresh_token":
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if !p.grantTypeAllowed(grantType) {
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if !c.AllowsGrant(grantType) {
		writeJSONError(w, http.StatusBadRequest, "unauthorized_client", "client is not registered for this grant_type")
		return
	}

	switch grantType {
	case "authorization_code":
		p.handleAuthorizationCodeGrant(w, r, c, auth, dpopJKT)
	case "refresh_token":
		p.handleRefreshGrant(w, r, c, auth, dpopJKT)
	}
}

// grantTypeAllowed reports whether grant is enabled by server configuration
// (spec §4.5: "allow-listing per server metadata and per client metadata").
func (p *Provider) grantTypeAllowed(grant string) bool {
	for _, g := range p.cfg.AllowedGrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

func (p *Provider) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, c client.Client, auth client.Auth, dpopJKT string) {
	code := r.Form.Get("code")
	if code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}
	info, err := p.request.FindCode(r.Context(), c.ID, auth, code)
	if err != nil {
		// A replayed code revokes whatever the first, successful exchange
		// issued (spec §3 Invariant B, §8 property 2).
		var replayed *request.ReplayedCodeError
		if errors.As(err, &replayed) && replayed.LineageID != "" {
			if rerr := p.token.RevokeLineage(r.Context(), replayed.LineageID); rerr != nil {
				p.log.Error("revoking lineage for replayed code", "err", rerr)
			}
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}

	issued, err := p.token.Create(r.Context(), c, auth, info.Sub, info.Parameters, r.Form.Get("code_verifier"), dpopJKT)
	if err != nil {
		p.writeTokenError(w, err)
		return
	}
	if err := p.request.BindLineage(r.Context(), info.URI, issued.LineageID); err != nil {
		p.log.Error("binding token lineage to consumed code", "err", err)
	}
	p.nonce.rotate(w)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  issued.AccessToken,
		TokenType:    issued.TokenType,
		ExpiresIn:    issued.ExpiresIn,
		RefreshToken: issued.RefreshToken,
		Scope:        issued.Scope,
	})
}

func (p *Provider) handleRefreshGrant(w http.ResponseWriter, r *http.Request, c client.Client, auth client.Auth, dpopJKT string) {
	refreshToken := r.Form.Get("refresh_token")
	if refreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	issued, err := p.token.Refresh(r.Context(), c, auth, refreshToken, dpopJKT)
	if err != nil {
		p.writeTokenError(w, err)
		return
	}
	p.nonce.rotate(w)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  issued.AccessToken,
		TokenType:    issued.TokenType,
		ExpiresIn:    issued.ExpiresIn,
		RefreshToken: issued.RefreshToken,
		Scope:        issued.Scope,
	})
}

// writeTokenError maps the TokenManager/RequestManager error taxonomy onto
// the token endpoint's response, per spec §7's "fatal vs recoverable" rule:
// replay is invalid_grant, signature/PKCE/DPoP mismatches are invalid_grant,
// anything unrecognized is server_error.
func (p *Provider) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrReplayed),
		errors.Is(err, token.ErrRevoked),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrNotFound),
		errors.Is(err, token.ErrClientMismatch),
		errors.Is(err, token.ErrClientAuthMismatch),
		errors.Is(err, token.ErrDPoPMismatch),
		errors.Is(err, token.ErrUnexpectedDPoP),
		errors.Is(err, token.ErrPKCEMismatch),
		errors.Is(err, token.ErrUnsupportedPKCE),
		errors.Is(err, request.ErrNotFound),
		errors.Is(err, request.ErrExpired),
		errors.Is(err, request.ErrCodeReplayed):
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
	}
}
