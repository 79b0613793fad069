package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atproto-oauth/oauthcore/account"
	"github.com/atproto-oauth/oauthcore/client"
	"github.com/atproto-oauth/oauthcore/device"
	"github.com/atproto-oauth/oauthcore/replay"
	"github.com/atproto-oauth/oauthcore/request"
	"github.com/atproto-oauth/oauthcore/signer"
	"github.com/atproto-oauth/oauthcore/storage/memory"
	"github.com/atproto-oauth/oauthcore/token"
)

const testIssuer = "https://as.example"

func newTestProvider(t *testing.T) (*Provider, *memory.Store) {
	t.Helper()
	now := func() time.Time { return time.Now() }
	store := memory.New()
	store.RegisterClient(client.Client{
		ID:                      "client-a",
		ApplicationType:         "web",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		RedirectURIs:            []string{"https://app.example/cb"},
		TokenEndpointAuthMethod: "none",
		Scope:                   "atproto transition:generic offline_access",
	})

	s, err := signer.New(testIssuer, time.Hour, 24*time.Hour, now)
	require.NoError(t, err)

	replayMgr := replay.New(store, []byte("test-salt"), now)
	deviceMgr := device.New(store, false, 24*time.Hour, now)
	accountMgr := account.New(store, now)
	clientMgr := client.New(store, client.LoopbackPolicy{AllowedScopes: []string{"atproto"}}, testIssuer, now)
	requestMgr := request.New(store, time.Minute, time.Minute, 0, now)
	tokenMgr := token.New(store.Tokens(), s, token.Config{RefreshTokenTTL: time.Hour}, now)

	p := New(Config{
		Issuer: testIssuer,
		Now:    now,
	}, s, replayMgr, deviceMgr, accountMgr, clientMgr, requestMgr, tokenMgr,
		client.LoopbackPolicy{AllowedScopes: []string{"atproto"}}, nil)
	return p, store
}

func codeChallengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestMetadata_ListsEndpoints(t *testing.T) {
	p, _ := newTestProvider(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var md serverMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	require.Equal(t, testIssuer, md.Issuer)
	require.True(t, md.RequirePushedAuthorizationRequests)

	// Every endpoint must carry the issuer's "//" scheme intact, not the
	// single-slash path.Join produces when it path.Cleans a URL.
	require.Equal(t, testIssuer+"/oauth/authorize", md.AuthorizationEndpoint)
	require.Equal(t, testIssuer+"/oauth/token", md.TokenEndpoint)
	require.Equal(t, testIssuer+"/oauth/par", md.PushedAuthorizationRequestEndpoint)
	require.Equal(t, testIssuer+"/oauth/revoke", md.RevocationEndpoint)
	require.Equal(t, testIssuer+"/oauth/introspect", md.IntrospectionEndpoint)
	require.Equal(t, testIssuer+"/oauth/jwks", md.JWKSURI)
}

func TestIssuerPath_PreservesSchemeSlashes(t *testing.T) {
	require.Equal(t, "https://as.example/oauth/token", issuerPath("https://as.example", "/oauth/token"))
	require.Equal(t, "https://as.example/oauth/token", issuerPath("https://as.example/", "/oauth/token"))
}

func TestPARThenTokenExchange_HappyPath(t *testing.T) {
	p, _ := newTestProvider(t)
	router := p.Router()

	parForm := url.Values{
		"client_id":             {"client-a"},
		"response_type":         {"code"},
		"redirect_uri":          {"https://app.example/cb"},
		"scope":                 {"atproto offline_access"},
		"code_challenge":        {codeChallengeFor("verifier-1")},
		"code_challenge_method": {"S256"},
	}
	parReq := httptest.NewRequest(http.MethodPost, "/oauth/par", strings.NewReader(parForm.Encode()))
	parReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	parRec := httptest.NewRecorder()
	router.ServeHTTP(parRec, parReq)
	require.Equal(t, http.StatusCreated, parRec.Code)

	var parResp parResponse
	require.NoError(t, json.Unmarshal(parRec.Body.Bytes(), &parResp))
	require.NotEmpty(t, parResp.RequestURI)

	// Directly authorize the request, bypassing the interactive sign-in UI
	// (covered separately by the RequestManager's own tests).
	require.NoError(t, p.request.Bind(context.Background(), parResp.RequestURI, "device-1"))
	code, err := p.request.SetAuthorized(context.Background(), parResp.RequestURI, "client-a", "did:plc:abc", "device-1")
	require.NoError(t, err)

	tokenForm := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-a"},
		"code":          {code},
		"code_verifier": {"verifier-1"},
	}
	tokenReq := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(tokenForm.Encode()))
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokenRec := httptest.NewRecorder()
	router.ServeHTTP(tokenRec, tokenReq)
	require.Equal(t, http.StatusOK, tokenRec.Code)

	var tr tokenResponse
	require.NoError(t, json.Unmarshal(tokenRec.Body.Bytes(), &tr))
	require.NotEmpty(t, tr.AccessToken)
	require.NotEmpty(t, tr.RefreshToken)
	require.Equal(t, "Bearer", tr.TokenType)

	// Introspecting from the issuing client reports the token active.
	introspectForm := url.Values{"client_id": {"client-a"}, "token": {tr.AccessToken}}
	introspectReq := httptest.NewRequest(http.MethodPost, "/oauth/introspect", strings.NewReader(introspectForm.Encode()))
	introspectReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	introspectRec := httptest.NewRecorder()
	router.ServeHTTP(introspectRec, introspectReq)
	require.Equal(t, http.StatusOK, introspectRec.Code)
	var info introspectionResponse
	require.NoError(t, json.Unmarshal(introspectRec.Body.Bytes(), &info))
	require.True(t, info.Active)

	// Revoking then re-introspecting reports inactive.
	revokeForm := url.Values{"client_id": {"client-a"}, "token": {tr.AccessToken}}
	revokeReq := httptest.NewRequest(http.MethodPost, "/oauth/revoke", strings.NewReader(revokeForm.Encode()))
	revokeReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	revokeRec := httptest.NewRecorder()
	router.ServeHTTP(revokeRec, revokeReq)
	require.Equal(t, http.StatusOK, revokeRec.Code)

	introspectRec2 := httptest.NewRecorder()
	introspectReq2 := httptest.NewRequest(http.MethodPost, "/oauth/introspect", strings.NewReader(introspectForm.Encode()))
	introspectReq2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	router.ServeHTTP(introspectRec2, introspectReq2)
	var info2 introspectionResponse
	require.NoError(t, json.Unmarshal(introspectRec2.Body.Bytes(), &info2))
	require.False(t, info2.Active)
}

func TestPAR_DuplicateCodeChallengeRejected(t *testing.T) {
	p, _ := newTestProvider(t)
	router := p.Router()

	form := func() url.Values {
		return url.Values{
			"client_id":             {"client-a"},
			"response_type":         {"code"},
			"redirect_uri":          {"https://app.example/cb"},
			"scope":                 {"atproto"},
			"code_challenge":        {codeChallengeFor("same-verifier")},
			"code_challenge_method": {"S256"},
		}
	}

	req1 := httptest.NewRequest(http.MethodPost, "/oauth/par", strings.NewReader(form().Encode()))
	req1.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec1 := httptest.NewRecorder()
	router.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusCreated, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/oauth/par", strings.NewReader(form().Encode()))
	req2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestToken_RevokeAndIntrospect_JWTFormat(t *testing.T) {
	now := func() time.Time { return time.Now() }
	store := memory.New()
	store.RegisterClient(client.Client{
		ID: "client-a", TokenEndpointAuthMethod: "none",
		RedirectURIs: []string{"https://app.example/cb"}, Scope: "atproto",
	})
	s, err := signer.New(testIssuer, time.Hour, 24*time.Hour, now)
	require.NoError(t, err)
	replayMgr := replay.New(store, []byte("salt"), now)
	deviceMgr := device.New(store, false, time.Hour, now)
	accountMgr := account.New(store, now)
	clientMgr := client.New(store, client.LoopbackPolicy{}, testIssuer, now)
	requestMgr := request.New(store, time.Minute, time.Minute, 0, now)
	tokenMgr := token.New(store.Tokens(), s, token.Config{Format: token.FormatJWT, Audience: testIssuer}, now)

	p := New(Config{Issuer: testIssuer, Now: now}, s, replayMgr, deviceMgr, accountMgr, clientMgr, requestMgr, tokenMgr, client.LoopbackPolicy{}, nil)
	router := p.Router()

	parForm := url.Values{
		"client_id": {"client-a"}, "response_type": {"code"},
		"redirect_uri": {"https://app.example/cb"}, "scope": {"atproto"},
		"code_challenge": {codeChallengeFor("v1")}, "code_challenge_method": {"S256"},
	}
	parReq := httptest.NewRequest(http.MethodPost, "/oauth/par", strings.NewReader(parForm.Encode()))
	parReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	parRec := httptest.NewRecorder()
	router.ServeHTTP(parRec, parReq)
	require.Equal(t, http.StatusCreated, parRec.Code)
	var parResp parResponse
	require.NoError(t, json.Unmarshal(parRec.Body.Bytes(), &parResp))

	require.NoError(t, p.request.Bind(context.Background(), parResp.RequestURI, "device-1"))
	code, err := p.request.SetAuthorized(context.Background(), parResp.RequestURI, "client-a", "did:plc:abc", "device-1")
	require.NoError(t, err)

	tokenForm := url.Values{"grant_type": {"authorization_code"}, "client_id": {"client-a"}, "code": {code}, "code_verifier": {"v1"}}
	tokenReq := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(tokenForm.Encode()))
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokenRec := httptest.NewRecorder()
	router.ServeHTTP(tokenRec, tokenReq)
	require.Equal(t, http.StatusOK, tokenRec.Code)
	var tr tokenResponse
	require.NoError(t, json.Unmarshal(tokenRec.Body.Bytes(), &tr))
	require.Contains(t, tr.AccessToken, ".") // a JWT, not an opaque id

	introspectForm := url.Values{"client_id": {"client-a"}, "token": {tr.AccessToken}}
	introspectReq := httptest.NewRequest(http.MethodPost, "/oauth/introspect", strings.NewReader(introspectForm.Encode()))
	introspectReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	introspectRec := httptest.NewRecorder()
	router.ServeHTTP(introspectRec, introspectReq)
	var info introspectionResponse
	require.NoError(t, json.Unmarshal(introspectRec.Body.Bytes(), &info))
	require.True(t, info.Active, "JWT-format access token must resolve through jti, not be looked up by its raw value")

	revokeReq := httptest.NewRequest(http.MethodPost, "/oauth/revoke", strings.NewReader(introspectForm.Encode()))
	revokeReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	revokeRec := httptest.NewRecorder()
	router.ServeHTTP(revokeRec, revokeReq)
	require.Equal(t, http.StatusOK, revokeRec.Code)

	introspectRec2 := httptest.NewRecorder()
	introspectReq2 := httptest.NewRequest(http.MethodPost, "/oauth/introspect", strings.NewReader(introspectForm.Encode()))
	introspectReq2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	router.ServeHTTP(introspectRec2, introspectReq2)
	var info2 introspectionResponse
	require.NoError(t, json.Unmarshal(introspectRec2.Body.Bytes(), &info2))
	require.False(t, info2.Active, "revoke must resolve the jwt's jti to actually revoke its lineage")
}

func TestCORSPreflight_AnsweredOnPublicEndpoints(t *testing.T) {
	p, _ := newTestProvider(t)
	router := p.Router()

	req := httptest.NewRequest(http.MethodOptions, "/oauth/token", nil)
	req.Header.Set("Origin", "https://client.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.NotEqual(t, http.StatusNotFound, rec.Code)
	require.NotEqual(t, http.StatusMethodNotAllowed, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPublicEndpoint_RejectsDisallowedMethod(t *testing.T) {
	p, _ := newTestProvider(t)
	router := p.Router()

	req := httptest.NewRequest(http.MethodGet, "/oauth/token", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuthorizeThenSignUp_RedirectsWithCode(t *testing.T) {
	p, _ := newTestProvider(t)
	router := p.Router()

	parForm := url.Values{
		"client_id": {"client-a"}, "response_type": {"code"},
		"redirect_uri": {"https://app.example/cb"}, "scope": {"atproto"},
		"code_challenge": {codeChallengeFor("v-signup")}, "code_challenge_method": {"S256"},
	}
	parReq := httptest.NewRequest(http.MethodPost, "/oauth/par", strings.NewReader(parForm.Encode()))
	parReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	parRec := httptest.NewRecorder()
	router.ServeHTTP(parRec, parReq)
	require.Equal(t, http.StatusCreated, parRec.Code)
	var parResp parResponse
	require.NoError(t, json.Unmarshal(parRec.Body.Bytes(), &parResp))

	// GET /oauth/authorize: no device cookie yet, so a new device session is
	// issued and the interactive consent page is rendered.
	authReq := httptest.NewRequest(http.MethodGet, "/oauth/authorize?request_uri="+url.QueryEscape(parResp.RequestURI)+"&client_id=client-a", nil)
	authRec := httptest.NewRecorder()
	router.ServeHTTP(authRec, authReq)
	require.Equal(t, http.StatusOK, authRec.Code)

	var deviceCookie *http.Cookie
	var csrfValue string
	for _, c := range authRec.Result().Cookies() {
		if strings.HasPrefix(c.Name, "csrf-") {
			csrfValue = c.Value
		} else {
			deviceCookie = c
		}
	}
	require.NotNil(t, deviceCookie, "authorize must issue a device session cookie")
	require.NotEmpty(t, csrfValue, "authorize must issue a csrf double-submit cookie")

	signUpForm := url.Values{
		"request_uri": {parResp.RequestURI},
		"csrf_token":  {csrfValue},
		"handle":      {"alice.example"},
		"password":    {"hunter2hunter2"},
	}
	signUpReq := httptest.NewRequest(http.MethodPost, "/oauth/authorize/sign-up", strings.NewReader(signUpForm.Encode()))
	signUpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	signUpReq.AddCookie(deviceCookie)
	for _, c := range authRec.Result().Cookies() {
		if strings.HasPrefix(c.Name, "csrf-") {
			signUpReq.AddCookie(c)
		}
	}
	signUpRec := httptest.NewRecorder()
	router.ServeHTTP(signUpRec, signUpReq)

	require.Equal(t, http.StatusFound, signUpRec.Code)
	loc, err := url.Parse(signUpRec.Header().Get("Location"))
	require.NoError(t, err)
	require.NotEmpty(t, loc.Query().Get("code"))
}

func TestHandleReject_RedirectsWithAccessDenied(t *testing.T) {
	p, _ := newTestProvider(t)
	router := p.Router()

	parForm := url.Values{
		"client_id": {"client-a"}, "response_type": {"code"},
		"redirect_uri": {"https://app.example/cb"}, "scope": {"atproto"},
		"code_challenge": {codeChallengeFor("v-reject")}, "code_challenge_method": {"S256"},
		"state": {"xyz"},
	}
	parReq := httptest.NewRequest(http.MethodPost, "/oauth/par", strings.NewReader(parForm.Encode()))
	parReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	parRec := httptest.NewRecorder()
	router.ServeHTTP(parRec, parReq)
	var parResp parResponse
	require.NoError(t, json.Unmarshal(parRec.Body.Bytes(), &parResp))

	authReq := httptest.NewRequest(http.MethodGet, "/oauth/authorize?request_uri="+url.QueryEscape(parResp.RequestURI)+"&client_id=client-a", nil)
	authRec := httptest.NewRecorder()
	router.ServeHTTP(authRec, authReq)

	var csrfCookie *http.Cookie
	for _, c := range authRec.Result().Cookies() {
		if strings.HasPrefix(c.Name, "csrf-") {
			csrfCookie = c
		}
	}
	require.NotNil(t, csrfCookie)

	rejectReq := httptest.NewRequest(http.MethodGet, "/oauth/authorize/reject?request_uri="+url.QueryEscape(parResp.RequestURI)+"&csrf_token="+csrfCookie.Value, nil)
	rejectReq.AddCookie(csrfCookie)
	rejectRec := httptest.NewRecorder()
	router.ServeHTTP(rejectRec, rejectReq)

	require.Equal(t, http.StatusFound, rejectRec.Code)
	loc, err := url.Parse(rejectRec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "access_denied", loc.Query().Get("error"))
	require.Equal(t, "xyz", loc.Query().Get("state"))
}

func TestTokenReplay_RevokesLineageFromFirstExchange(t *testing.T) {
	p, _ := newTestProvider(t)
	router := p.Router()

	parForm := url.Values{
		"client_id":             {"client-a"},
		"response_type":         {"code"},
		"redirect_uri":          {"https://app.example/cb"},
		"scope":                 {"atproto offline_access"},
		"code_challenge":        {codeChallengeFor("verifier-replay")},
		"code_challenge_method": {"S256"},
	}
	parReq := httptest.NewRequest(http.MethodPost, "/oauth/par", strings.NewReader(parForm.Encode()))
	parReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	parRec := httptest.NewRecorder()
	router.ServeHTTP(parRec, parReq)
	require.Equal(t, http.StatusCreated, parRec.Code)
	var parResp parResponse
	require.NoError(t, json.Unmarshal(parRec.Body.Bytes(), &parResp))

	require.NoError(t, p.request.Bind(context.Background(), parResp.RequestURI, "device-1"))
	code, err := p.request.SetAuthorized(context.Background(), parResp.RequestURI, "client-a", "did:plc:abc", "device-1")
	require.NoError(t, err)

	tokenForm := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-a"},
		"code":          {code},
		"code_verifier": {"verifier-replay"},
	}
	tokenRec := httptest.NewRecorder()
	tokenReq := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(tokenForm.Encode()))
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	router.ServeHTTP(tokenRec, tokenReq)
	require.Equal(t, http.StatusOK, tokenRec.Code)

	var tr tokenResponse
	require.NoError(t, json.Unmarshal(tokenRec.Body.Bytes(), &tr))
	require.NotEmpty(t, tr.AccessToken)

	// Redeeming the same code again must fail...
	replayRec := httptest.NewRecorder()
	replayReq := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(tokenForm.Encode()))
	replayReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	router.ServeHTTP(replayRec, replayReq)
	require.Equal(t, http.StatusBadRequest, replayRec.Code)

	// ...and must revoke every token the first, successful exchange issued
	// (spec §3 Invariant B, §8 property 2).
	introspectForm := url.Values{"client_id": {"client-a"}, "token": {tr.AccessToken}}
	introspectReq := httptest.NewRequest(http.MethodPost, "/oauth/introspect", strings.NewReader(introspectForm.Encode()))
	introspectReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	introspectRec := httptest.NewRecorder()
	router.ServeHTTP(introspectRec, introspectReq)
	var info introspectionResponse
	require.NoError(t, json.Unmarshal(introspectRec.Body.Bytes(), &info))
	require.False(t, info.Active, "replaying a code must revoke the access token the first exchange issued")
}

func TestToken_RejectsGrantNotRegisteredForClient(t *testing.T) {
	now := func() time.Time { return time.Now() }
	store := memory.New()
	store.RegisterClient(client.Client{
		ID:                      "client-a",
		GrantTypes:              []string{"authorization_code"},
		RedirectURIs:            []string{"https://app.example/cb"},
		TokenEndpointAuthMethod: "none",
		Scope:                   "atproto offline_access",
	})
	s, err := signer.New(testIssuer, time.Hour, 24*time.Hour, now)
	require.NoError(t, err)
	replayMgr := replay.New(store, []byte("salt"), now)
	deviceMgr := device.New(store, false, time.Hour, now)
	accountMgr := account.New(store, now)
	clientMgr := client.New(store, client.LoopbackPolicy{}, testIssuer, now)
	requestMgr := request.New(store, time.Minute, time.Minute, 0, now)
	tokenMgr := token.New(store.Tokens(), s, token.Config{RefreshTokenTTL: time.Hour}, now)
	p := New(Config{Issuer: testIssuer, Now: now}, s, replayMgr, deviceMgr, accountMgr, clientMgr, requestMgr, tokenMgr, client.LoopbackPolicy{}, nil)
	router := p.Router()

	// The client is only registered for authorization_code; redeeming a
	// refresh_token grant must be rejected even though it is otherwise a
	// server-supported grant (spec §4.5, "per client metadata").
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"client-a"},
		"refresh_token": {"whatever"},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "unauthorized_client", body["error"])
}

func TestToken_RejectsGrantDisabledByServerConfig(t *testing.T) {
	now := func() time.Time { return time.Now() }
	store := memory.New()
	store.RegisterClient(client.Client{
		ID:                      "client-a",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		RedirectURIs:            []string{"https://app.example/cb"},
		TokenEndpointAuthMethod: "none",
		Scope:                   "atproto offline_access",
	})
	s, err := signer.New(testIssuer, time.Hour, 24*time.Hour, now)
	require.NoError(t, err)
	replayMgr := replay.New(store, []byte("salt"), now)
	deviceMgr := device.New(store, false, time.Hour, now)
	accountMgr := account.New(store, now)
	clientMgr := client.New(store, client.LoopbackPolicy{}, testIssuer, now)
	requestMgr := request.New(store, time.Minute, time.Minute, 0, now)
	tokenMgr := token.New(store.Tokens(), s, token.Config{RefreshTokenTTL: time.Hour}, now)
	p := New(Config{
		Issuer:            testIssuer,
		Now:               now,
		AllowedGrantTypes: []string{"authorization_code"},
	}, s, replayMgr, deviceMgr, accountMgr, clientMgr, requestMgr, tokenMgr, client.LoopbackPolicy{}, nil)
	router := p.Router()

	// The client would allow refresh_token, but the server is configured to
	// disable it entirely (spec §4.5, "per server metadata").
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"client-a"},
		"refresh_token": {"whatever"},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "unsupported_grant_type", body["error"])
}

func TestCSRFCookie_ValidForURNRequestURI(t *testing.T) {
	name := csrfCookie("urn:ietf:params:oauth:request_uri:abc123")
	rec := httptest.NewRecorder()
	http.SetCookie(rec, &http.Cookie{Name: name, Value: "v"})
	require.NotEmpty(t, rec.Header().Get("Set-Cookie"), "a cookie name derived from a urn: value must remain a valid token")
}
