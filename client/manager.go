// Package client implements the ClientManager: client metadata
// fetch/cache/validate and client credential verification (spec §4.2).
// Grounded on dexidp-dex's client package shape (fetch + cache a remote
// resource, validate against local policy) and, for the JOSE mechanics, on
// dexidp-dex/server/oauth2.go's use of go-jose for signature verification.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

var (
	ErrNotFound         = errors.New("client: not found")
	ErrInvalidClient    = errors.New("client: invalid client credentials")
	ErrInvalidJAR       = errors.New("client: invalid request object")
	ErrNativeMustBeNone = errors.New("client: native clients must authenticate with method \"none\" (RFC 8252 §8.4)")
)

// Catalog resolves a client_id to its registered metadata when the client
// isn't a loopback client synthesized locally. This is the store/registry
// collaborator; a static or database-backed catalog both satisfy it.
type Catalog interface {
	// Lookup returns the pre-registered Client for clientID, or ok=false if
	// client_id is unknown to this catalog (the ClientManager then tries
	// remote resolution by treating client_id itself as a fetchable URL, as
	// atproto OAuth does).
	Lookup(ctx context.Context, clientID string) (Client, bool, error)
}

// LoopbackPolicy synthesizes metadata for native loopback clients
// (client_id of the form "http://127.0.0.1:.../...") which never register
// out-of-band (spec §4.2).
type LoopbackPolicy struct {
	AllowedScopes []string
}

// Synthesize builds loopback client metadata, or returns ok=false if
// clientID is not a loopback URL.
func (p LoopbackPolicy) Synthesize(clientID string) (Client, bool) {
	u, err := url.Parse(clientID)
	if err != nil || u.Scheme != "http" {
		return Client{}, false
	}
	host := u.Hostname()
	if host != "127.0.0.1" && host != "[::1]" && host != "localhost" {
		return Client{}, false
	}
	return Client{
		ID:                      clientID,
		ApplicationType:         "native",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		RedirectURIs:            []string{clientID},
		TokenEndpointAuthMethod: "none",
		Scope:                   strings.Join(p.AllowedScopes, " "),
	}, true
}

// Manager is the ClientManager of the authorization core.
type Manager struct {
	catalog  Catalog
	loopback LoopbackPolicy
	issuer   string
	fetcher  *safeFetcher
	now      func() time.Time

	metaCache *ttlCache[Client]
	jwksCache *ttlCache[jose.JSONWebKeySet]
}

// Option configures a Manager.
type Option func(*Manager)

// WithFetchLimits overrides the default SSRF-safe fetch limits.
func WithFetchLimits(limits fetchLimits) Option {
	return func(m *Manager) { m.fetcher = newSafeFetcher(limits) }
}

// New constructs a ClientManager. issuer is this server's own issuer URL,
// used as the required `aud` of private_key_jwt assertions and JAR payloads.
func New(catalog Catalog, loopback LoopbackPolicy, issuer string, now func() time.Time, opts ...Option) *Manager {
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		catalog:   catalog,
		loopback:  loopback,
		issuer:    issuer,
		fetcher:   newSafeFetcher(defaultFetchLimits),
		now:       now,
		metaCache: newTTLCache[Client](4096, 10*time.Minute, now),
		jwksCache: newTTLCache[jose.JSONWebKeySet](4096, 10*time.Minute, now),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetClient resolves client_id to its metadata: loopback synthesis first,
// then the catalog, then (if the catalog doesn't know it and client_id looks
// like a fetchable HTTPS URL) a direct metadata fetch, cached for ~10min.
func (m *Manager) GetClient(ctx context.Context, clientID string) (Client, error) {
	if c, ok := m.loopback.Synthesize(clientID); ok {
		return c, nil
	}
	if c, ok := m.metaCache.get(clientID); ok {
		return c, nil
	}

	c, ok, err := m.catalog.Lookup(ctx, clientID)
	if err != nil {
		return Client{}, err
	}
	if ok {
		m.metaCache.set(clientID, c)
		return c, nil
	}

	if !strings.HasPrefix(clientID, "https://") {
		return Client{}, ErrNotFound
	}
	body, err := m.fetcher.get(ctx, clientID)
	if err != nil {
		return Client{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var doc struct {
		ClientID                string   `json:"client_id"`
		ApplicationType         string   `json:"application_type"`
		GrantTypes              []string `json:"grant_types"`
		RedirectURIs            []string `json:"redirect_uris"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
		Scope                   string   `json:"scope"`
		JWKSURI                 string   `json:"jwks_uri"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return Client{}, fmt.Errorf("%w: malformed metadata: %v", ErrNotFound, err)
	}
	if doc.ClientID != clientID {
		return Client{}, fmt.Errorf("%w: client_id mismatch in metadata document", ErrNotFound)
	}
	if doc.ApplicationType == "" {
		doc.ApplicationType = "web"
	}
	if len(doc.GrantTypes) == 0 {
		doc.GrantTypes = []string{"authorization_code"}
	}
	if doc.TokenEndpointAuthMethod == "" {
		doc.TokenEndpointAuthMethod = "private_key_jwt"
	}
	resolved := Client{
		ID:                      clientID,
		ApplicationType:         doc.ApplicationType,
		GrantTypes:              doc.GrantTypes,
		RedirectURIs:            doc.RedirectURIs,
		TokenEndpointAuthMethod: doc.TokenEndpointAuthMethod,
		Scope:                   doc.Scope,
		JWKSURI:                 doc.JWKSURI,
		FetchedAt:               m.now(),
	}
	m.metaCache.set(clientID, resolved)
	return resolved, nil
}

// jwks resolves a client's signing keys, from its metadata's inline JWKS or
// its jwks_uri, cached independently from the metadata document.
func (m *Manager) jwks(ctx context.Context, c Client) (jose.JSONWebKeySet, error) {
	if c.JWKS != nil {
		return *c.JWKS, nil
	}
	if c.JWKSURI == "" {
		return jose.JSONWebKeySet{}, fmt.Errorf("client %s: no jwks or jwks_uri registered", c.ID)
	}
	if set, ok := m.jwksCache.get(c.JWKSURI); ok {
		return set, nil
	}
	body, err := m.fetcher.get(ctx, c.JWKSURI)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("client %s: malformed jwks: %w", c.ID, err)
	}
	m.jwksCache.set(c.JWKSURI, set)
	return set, nil
}

// VerifyOpts parameterizes VerifyCredentials.
type VerifyOpts struct {
	// Audience is the required `aud` of a private_key_jwt assertion,
	// normally this server's issuer URL.
	Audience string
	Skew     time.Duration
}

// VerifyCredentials authenticates a client for a given request, per spec
// §4.2. Credentials is either {"method":"none"} or a compact
// private_key_jwt client assertion string under "client_assertion"; callers
// pass whichever the client actually presented.
func (m *Manager) VerifyCredentials(ctx context.Context, c Client, method, clientAssertion string, opts VerifyOpts) (Auth, string, error) {
	switch method {
	case "", "none":
		return Auth{Method: "none"}, "", nil
	case "private_key_jwt":
		return m.verifyPrivateKeyJWT(ctx, c, clientAssertion, opts)
	default:
		return Auth{}, "", fmt.Errorf("%w: unsupported auth method %q", ErrInvalidClient, method)
	}
}

type assertionClaims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Audience  any    `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	NotBefore int64  `json:"nbf"`
	IssuedAt  int64  `json:"iat"`
	JTI       string `json:"jti"`
}

func (m *Manager) verifyPrivateKeyJWT(ctx context.Context, c Client, assertion string, opts VerifyOpts) (Auth, string, error) {
	if assertion == "" {
		return Auth{}, "", fmt.Errorf("%w: missing client_assertion", ErrInvalidClient)
	}
	set, err := m.jwks(ctx, c)
	if err != nil {
		return Auth{}, "", fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}
	jws, err := jose.ParseSigned(assertion, []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.PS256})
	if err != nil {
		return Auth{}, "", fmt.Errorf("%w: malformed assertion: %v", ErrInvalidClient, err)
	}

	var payload []byte
	var verifiedKey *jose.JSONWebKey
	for i := range set.Keys {
		if p, err := jws.Verify(&set.Keys[i]); err == nil {
			payload = p
			verifiedKey = &set.Keys[i]
			break
		}
	}
	if payload == nil {
		return Auth{}, "", fmt.Errorf("%w: assertion signature verification failed", ErrInvalidClient)
	}

	var claims assertionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Auth{}, "", fmt.Errorf("%w: malformed assertion claims", ErrInvalidClient)
	}
	if claims.Issuer != c.ID || claims.Subject != c.ID {
		return Auth{}, "", fmt.Errorf("%w: iss/sub must equal client_id", ErrInvalidClient)
	}
	if !audienceContains(claims.Audience, opts.Audience) {
		return Auth{}, "", fmt.Errorf("%w: aud must be the issuer", ErrInvalidClient)
	}
	if claims.JTI == "" {
		return Auth{}, "", fmt.Errorf("%w: jti is required", ErrInvalidClient)
	}
	now := m.now()
	skew := opts.Skew
	if time.Unix(claims.ExpiresAt, 0).Add(skew).Before(now) {
		return Auth{}, "", fmt.Errorf("%w: assertion expired", ErrInvalidClient)
	}
	if claims.NotBefore != 0 && time.Unix(claims.NotBefore, 0).After(now.Add(skew)) {
		return Auth{}, "", fmt.Errorf("%w: assertion not yet valid", ErrInvalidClient)
	}
	if claims.IssuedAt != 0 && time.Unix(claims.IssuedAt, 0).After(now.Add(skew)) {
		return Auth{}, "", fmt.Errorf("%w: assertion issued in the future", ErrInvalidClient)
	}

	var sigHeader jose.Header
	for _, sig := range jws.Signatures {
		sigHeader = sig.Header
		break
	}
	jkt, err := thumbprint(verifiedKey)
	if err != nil {
		return Auth{}, "", fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}

	return Auth{Method: "private_key_jwt", KID: sigHeader.KeyID, Alg: string(sigHeader.Algorithm), JKT: jkt}, claims.JTI, nil
}

// CheckApplicationPolicy enforces spec §4.2's native-client policy: a
// native application authenticating with anything other than "none" is
// rejected outright (RFC 8252 §8.4), since a public native app cannot keep
// a private_key_jwt signing key confidential.
func CheckApplicationPolicy(c Client, auth Auth) error {
	if c.ApplicationType == "native" && auth.Method != "none" {
		return ErrNativeMustBeNone
	}
	return nil
}

// DecodeRequestObject verifies and parses a JAR (JWT-Secured Authorization
// Request) payload per spec §4.2/§6.
func (m *Manager) DecodeRequestObject(ctx context.Context, c Client, compactJWS string, opts VerifyOpts) (RequestObject, error) {
	set, err := m.jwks(ctx, c)
	if err != nil {
		return RequestObject{}, fmt.Errorf("%w: %v", ErrInvalidJAR, err)
	}
	jws, err := jose.ParseSigned(compactJWS, []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.PS256})
	if err != nil {
		return RequestObject{}, fmt.Errorf("%w: malformed request object: %v", ErrInvalidJAR, err)
	}

	var payload []byte
	var verifiedKey *jose.JSONWebKey
	for i := range set.Keys {
		if p, err := jws.Verify(&set.Keys[i]); err == nil {
			payload = p
			verifiedKey = &set.Keys[i]
			break
		}
	}
	if payload == nil {
		return RequestObject{}, fmt.Errorf("%w: signature verification failed", ErrInvalidJAR)
	}

	var params map[string]any
	if err := json.Unmarshal(payload, &params); err != nil {
		return RequestObject{}, fmt.Errorf("%w: malformed payload", ErrInvalidJAR)
	}
	jti, _ := params["jti"].(string)
	if jti == "" {
		return RequestObject{}, fmt.Errorf("%w: jti is required", ErrInvalidJAR)
	}
	if iss, _ := params["iss"].(string); iss != "" && iss != c.ID {
		return RequestObject{}, fmt.Errorf("%w: iss must equal client_id", ErrInvalidJAR)
	}
	if aud, ok := params["aud"]; ok && !audienceContains(aud, opts.Audience) {
		return RequestObject{}, fmt.Errorf("%w: aud must be the issuer", ErrInvalidJAR)
	}
	if expf, ok := params["exp"].(float64); ok {
		if time.Unix(int64(expf), 0).Add(opts.Skew).Before(m.now()) {
			return RequestObject{}, fmt.Errorf("%w: request object expired", ErrInvalidJAR)
		}
	}

	jkt, err := thumbprint(verifiedKey)
	if err != nil {
		return RequestObject{}, fmt.Errorf("%w: %v", ErrInvalidJAR, err)
	}

	var header map[string]any
	headerBytes, _ := json.Marshal(jws.Signatures[0].Header)
	_ = json.Unmarshal(headerBytes, &header)

	return RequestObject{JTI: jti, Header: header, JKT: jkt, Params: params}, nil
}

func thumbprint(key *jose.JSONWebKey) (string, error) {
	if key == nil {
		return "", errors.New("client: no verifying key")
	}
	sum, err := key.Thumbprint(jwkThumbprintHash)
	if err != nil {
		return "", err
	}
	return base64URLEncode(sum), nil
}

func audienceContains(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}
