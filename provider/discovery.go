package provider

import "net/http"

// serverMetadata is the RFC 8414 authorization server metadata document.
type serverMetadata struct {
	Issuer                                    string   `json:"issuer"`
	AuthorizationEndpoint                     string   `json:"authorization_endpoint"`
	TokenEndpoint                             string   `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint        string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests        bool     `json:"require_pushed_authorization_requests"`
	RevocationEndpoint                        string   `json:"revocation_endpoint"`
	IntrospectionEndpoint                     string   `json:"introspection_endpoint"`
	JWKSURI                                   string   `json:"jwks_uri"`
	ScopesSupported                           []string `json:"scopes_supported"`
	ResponseTypesSupported                    []string `json:"response_types_supported"`
	GrantTypesSupported                       []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported             []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported         []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	DPoPSigningAlgValuesSupported             []string `json:"dpop_signing_alg_values_supported"`
	RequestObjectSigningAlgValuesSupported    []string `json:"request_object_signing_alg_values_supported"`
	RequestParameterSupported                 bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported              bool     `json:"request_uri_parameter_supported"`
}

func (p *Provider) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "GET only")
		return
	}
	md := serverMetadata{
		Issuer:                              p.cfg.Issuer,
		AuthorizationEndpoint:               issuerPath(p.cfg.Issuer, "/oauth/authorize"),
		TokenEndpoint:                       issuerPath(p.cfg.Issuer, "/oauth/token"),
		PushedAuthorizationRequestEndpoint:  issuerPath(p.cfg.Issuer, "/oauth/par"),
		RequirePushedAuthorizationRequests:  true,
		RevocationEndpoint:                  issuerPath(p.cfg.Issuer, "/oauth/revoke"),
		IntrospectionEndpoint:               issuerPath(p.cfg.Issuer, "/oauth/introspect"),
		JWKSURI:                             issuerPath(p.cfg.Issuer, "/oauth/jwks"),
		ScopesSupported:                     []string{"atproto", "transition:generic", "offline_access"},
		ResponseTypesSupported:              []string{"code"},
		GrantTypesSupported:                 p.cfg.AllowedGrantTypes,
		CodeChallengeMethodsSupported:       []string{"S256"},
		TokenEndpointAuthMethodsSupported:   []string{"none", "private_key_jwt"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"RS256", "ES256", "PS256"},
		DPoPSigningAlgValuesSupported:       []string{"RS256", "ES256", "PS256"},
		RequestObjectSigningAlgValuesSupported: []string{"RS256", "ES256", "PS256"},
		RequestParameterSupported:           true,
		RequestURIParameterSupported:        true,
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, md)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "GET only")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, p.signer.PublicJWKS())
}
