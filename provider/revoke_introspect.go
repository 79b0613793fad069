package provider

import "net/http"

type introspectionResponse struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
}

// handleRevoke implements POST /oauth/revoke (RFC 7009). Always responds
// 200, even for an unknown, already-revoked, or unauthenticated token, per
// spec §7's revocation propagation rule.
func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, _, err := p.resolveClient(r); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if t := r.Form.Get("token"); t != "" {
		_ = p.token.Revoke(r.Context(), t)
	}
	w.WriteHeader(http.StatusOK)
}

// handleIntrospect implements POST /oauth/introspect. Requires client
// authentication; any failure (auth failure, unknown token, wrong caller,
// expired) degrades to {active: false} after the TokenManager's timing
// pad, per spec §7: "never leak why."
func (p *Provider) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusOK, introspectionResponse{Active: false})
		return
	}
	c, _, err := p.resolveClient(r)
	if err != nil {
		// Run the same padded lookup an unknown token gets, so a failed
		// client authentication takes as long as any other inactive answer.
		_ = p.token.Introspect(r.Context(), "", "")
		writeJSON(w, http.StatusOK, introspectionResponse{Active: false})
		return
	}

	info := p.token.Introspect(r.Context(), c.ID, r.Form.Get("token"))
	if !info.Active {
		writeJSON(w, http.StatusOK, introspectionResponse{Active: false})
		return
	}
	writeJSON(w, http.StatusOK, introspectionResponse{
		Active:    true,
		ClientID:  info.ClientID,
		Sub:       info.Sub,
		Scope:     info.Scope,
		TokenType: info.TokenType,
		Exp:       info.ExpiresAt.Unix(),
	})
}
