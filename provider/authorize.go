package provider

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/atproto-oauth/oauthcore/account"
	"github.com/atproto-oauth/oauthcore/device"
	"github.com/atproto-oauth/oauthcore/request"
)

// authorizePageData is rendered into the interactive consent page. Kept
// deliberately minimal: a real deployment serves its own first-party
// frontend against these same POST endpoints; this template exists so the
// core is runnable standalone.
type authorizePageData struct {
	RequestURI string
	ClientID   string
	Scope      string
	CSRFToken  string
	Accounts   []account.Account
	Error      string
}

var authorizePage = template.Must(template.New("authorize").Parse(`<!doctype html>
<html><head><title>Authorize</title></head><body>
<h1>{{.ClientID}} is requesting access</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<p>Scope: {{.Scope}}</p>
<form method="post" action="/oauth/authorize/sign-in">
<input type="hidden" name="request_uri" value="{{.RequestURI}}">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<input name="handle" placeholder="handle">
<input name="password" type="password" placeholder="password">
<button type="submit">Sign in</button>
</form>
{{range .Accounts}}
<form method="get" action="/oauth/authorize/accept">
<input type="hidden" name="request_uri" value="{{$.RequestURI}}">
<input type="hidden" name="account_sub" value="{{.Sub}}">
<input type="hidden" name="csrf_token" value="{{$.CSRFToken}}">
<button type="submit">Continue as {{.PreferredUsername}}</button>
</form>
{{end}}
<form method="get" action="/oauth/authorize/reject">
<input type="hidden" name="request_uri" value="{{.RequestURI}}">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<button type="submit">Cancel</button>
</form>
</body></html>`))

// handleAuthorize implements GET /oauth/authorize: the interactive entry
// point. It resolves the device session, evaluates prompt semantics (spec
// §4.5), and either auto-completes the authorization, renders the consent
// page, or bounces back to the client with a prompt-required error.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed query")
		return
	}
	uri := r.Form.Get("request_uri")
	if uri == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request_uri is required")
		return
	}
	clientID := r.Form.Get("client_id")

	deviceID, err := p.device.Verify(r.Context(), r)
	if errors.Is(err, device.ErrInvalidDevice) {
		deviceID, err = p.device.Issue(r.Context(), w, device.Metadata{
			IP: r.RemoteAddr,
			UA: r.Header.Get("User-Agent"),
		})
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	rec, err := p.request.Get(r.Context(), uri, deviceID, clientID)
	if err != nil {
		p.redirectRequestError(w, r, rec, err)
		return
	}
	if err := p.request.Bind(r.Context(), uri, deviceID); err != nil {
		p.redirectRequestError(w, r, rec, err)
		return
	}

	accounts, err := p.account.ListForDevice(r.Context(), deviceID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	if rec.Parameters.Prompt != "select_account" {
		if sub, ok := p.autoAuthorizeCandidate(r, deviceID, rec, accounts); ok {
			p.completeAuthorization(w, r, uri, rec, sub, deviceID)
			return
		}
	}

	if rec.Parameters.Prompt == "none" {
		redirectError(w, rec.Parameters.RedirectURI, p.promptNoneFailureReason(r, deviceID, accounts), "", rec.Parameters.State)
		return
	}

	p.renderAuthorizePage(w, uri, rec, accounts, "")
}

// autoAuthorizeCandidate returns the single account session eligible for
// silent authorization under prompt=="" (default, possibly with
// login_hint) semantics, or ok=false if login or consent is still required.
func (p *Provider) autoAuthorizeCandidate(r *http.Request, deviceID string, rec request.Record, accounts []account.Account) (string, bool) {
	params := rec.Parameters
	if params.Prompt == "login" || params.Prompt == "consent" {
		return "", false
	}
	var candidates []account.Account
	if params.LoginHint != "" {
		for _, a := range accounts {
			if a.PreferredUsername == params.LoginHint {
				candidates = append(candidates, a)
			}
		}
	} else {
		candidates = accounts
	}
	if len(candidates) != 1 {
		return "", false
	}
	acct := candidates[0]
	info, err := p.account.SessionInfo(r.Context(), deviceID, acct.Sub)
	if err != nil {
		return "", false
	}
	if p.now().Sub(info.AuthenticatedAt) >= p.cfg.AuthenticationMaxAge {
		return "", false
	}
	c, err := p.client.GetClient(r.Context(), rec.ClientID)
	if err != nil {
		// Client resolution failures fall through to the interactive page;
		// they are surfaced properly once the consent/accept path re-resolves it.
		return "", false
	}
	if !c.IsFirstParty && !info.AuthorizedClients[rec.ClientID] {
		return "", false
	}
	return acct.Sub, true
}

// promptNoneFailureReason picks the specific error spec §4.5 requires when
// prompt=none cannot be silently satisfied: account_selection_required for
// an ambiguous multi-session device, login_required for none or a stale
// session, consent_required otherwise.
func (p *Provider) promptNoneFailureReason(r *http.Request, deviceID string, accounts []account.Account) string {
	switch len(accounts) {
	case 0:
		return "login_required"
	case 1:
		info, err := p.account.SessionInfo(r.Context(), deviceID, accounts[0].Sub)
		if err != nil || p.now().Sub(info.AuthenticatedAt) >= p.cfg.AuthenticationMaxAge {
			return "login_required"
		}
		return "consent_required"
	default:
		return "account_selection_required"
	}
}

func (p *Provider) renderAuthorizePage(w http.ResponseWriter, uri string, rec request.Record, accounts []account.Account, errMsg string) {
	csrf := issueCSRFToken(w, uri, p.cfg.CSRFSecure)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = authorizePage.Execute(w, authorizePageData{
		RequestURI: uri,
		ClientID:   rec.ClientID,
		Scope:      rec.Parameters.Scope,
		CSRFToken:  csrf,
		Accounts:   accounts,
		Error:      errMsg,
	})
}

// completeAuthorization runs the shared accept path: mark the request
// Authorized and redirect to the client's redirect_uri with the issued
// code, used by both silent auto-authorization and the explicit accept
// endpoint.
func (p *Provider) completeAuthorization(w http.ResponseWriter, r *http.Request, uri string, rec request.Record, sub, deviceID string) {
	if err := p.account.AuthorizeClient(r.Context(), deviceID, sub, rec.ClientID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	code, err := p.request.SetAuthorized(r.Context(), uri, rec.ClientID, sub, deviceID)
	if err != nil {
		p.redirectRequestError(w, r, rec, err)
		return
	}
	redirectSuccess(w, rec.Parameters.RedirectURI, code, rec.Parameters.State)
}

func redirectSuccess(w http.ResponseWriter, redirectURI, code, state string) {
	u := redirectURI + "?code=" + template.URLQueryEscaper(code)
	if state != "" {
		u += "&state=" + template.URLQueryEscaper(state)
	}
	w.Header().Set("Location", u)
	w.WriteHeader(http.StatusFound)
}

// redirectRequestError implements spec §7's /authorize rule: wrap any
// error that occurred after redirect_uri was validated into an
// access_denied redirect rather than an error page, when redirect_uri is
// known; otherwise render a JSON error.
func (p *Provider) redirectRequestError(w http.ResponseWriter, r *http.Request, rec request.Record, err error) {
	if rec.Parameters.RedirectURI == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	redirectError(w, rec.Parameters.RedirectURI, "access_denied", err.Error(), rec.Parameters.State)
}

// handleSignIn implements POST /oauth/authorize/sign-in: credential check
// against a pending request, then redirects back into the consent flow.
func (p *Provider) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	uri := r.Form.Get("request_uri")
	if !checkCSRF(r, uri, r.Form.Get("csrf_token")) {
		writeJSONError(w, http.StatusForbidden, "invalid_request", "csrf check failed")
		return
	}
	deviceID, err := p.device.Verify(r.Context(), r)
	if err != nil {
		writeJSONError(w, http.StatusForbidden, "invalid_request", "no device session")
		return
	}
	rec, err := p.request.Get(r.Context(), uri, deviceID, "")
	if err != nil {
		p.redirectRequestError(w, r, rec, err)
		return
	}
	acct, err := p.account.SignIn(r.Context(), deviceID, r.Form.Get("handle"), r.Form.Get("password"))
	if err != nil {
		p.renderAuthorizePage(w, uri, rec, nil, "invalid handle or password")
		return
	}
	p.completeAuthorization(w, r, uri, rec, acct.Sub, deviceID)
}

// handleSignUp implements POST /oauth/authorize/sign-up: account creation
// followed by the same consent completion as sign-in.
func (p *Provider) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	uri := r.Form.Get("request_uri")
	if !checkCSRF(r, uri, r.Form.Get("csrf_token")) {
		writeJSONError(w, http.StatusForbidden, "invalid_request", "csrf check failed")
		return
	}
	deviceID, err := p.device.Verify(r.Context(), r)
	if err != nil {
		writeJSONError(w, http.StatusForbidden, "invalid_request", "no device session")
		return
	}
	rec, err := p.request.Get(r.Context(), uri, deviceID, "")
	if err != nil {
		p.redirectRequestError(w, r, rec, err)
		return
	}
	acct, err := p.account.SignUp(r.Context(), deviceID, r.Form.Get("handle"), r.Form.Get("handle"), r.Form.Get("password"))
	if err != nil {
		msg := "could not create account"
		if errors.Is(err, account.ErrHandleTaken) {
			msg = "handle already in use"
		}
		p.renderAuthorizePage(w, uri, rec, nil, msg)
		return
	}
	p.completeAuthorization(w, r, uri, rec, acct.Sub, deviceID)
}

type handleAvailabilityResponse struct {
	Available bool `json:"available"`
}

// handleVerifyHandle implements POST /oauth/authorize/verify-handle-availability.
func (p *Provider) handleVerifyHandle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	available, err := p.account.HandleAvailable(r.Context(), r.Form.Get("handle"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writeJSON(w, http.StatusOK, handleAvailabilityResponse{Available: available})
}

// handleResetPasswordRequest implements POST /oauth/authorize/reset-password-request.
// A nil Resetter (no hook installed) degrades to temporarily_unavailable
// rather than panicking, per spec §9's capability-trait design note.
func (p *Provider) handleResetPasswordRequest(w http.ResponseWriter, r *http.Request) {
	if p.reset == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "password reset is not configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	if err := p.reset.RequestReset(r.Context(), r.Form.Get("handle")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleResetPasswordConfirm implements POST /oauth/authorize/reset-password-confirm.
func (p *Provider) handleResetPasswordConfirm(w http.ResponseWriter, r *http.Request) {
	if p.reset == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "password reset is not configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	if err := p.reset.ConfirmReset(r.Context(), r.Form.Get("reset_token"), r.Form.Get("new_password")); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "reset token invalid or expired")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAccept implements GET /oauth/authorize/accept.
func (p *Provider) handleAccept(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed query")
		return
	}
	uri := r.Form.Get("request_uri")
	if !checkCSRF(r, uri, r.Form.Get("csrf_token")) {
		writeJSONError(w, http.StatusForbidden, "invalid_request", "csrf check failed")
		return
	}
	deviceID, err := p.device.Verify(r.Context(), r)
	if err != nil {
		writeJSONError(w, http.StatusForbidden, "invalid_request", "no device session")
		return
	}
	rec, err := p.request.Get(r.Context(), uri, deviceID, "")
	if err != nil {
		p.redirectRequestError(w, r, rec, err)
		return
	}
	sub := r.Form.Get("account_sub")
	if sub == "" {
		p.redirectRequestError(w, r, rec, errMissingAccountSub)
		return
	}
	p.completeAuthorization(w, r, uri, rec, sub, deviceID)
}

// handleReject implements GET /oauth/authorize/reject.
func (p *Provider) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed query")
		return
	}
	uri := r.Form.Get("request_uri")
	if !checkCSRF(r, uri, r.Form.Get("csrf_token")) {
		writeJSONError(w, http.StatusForbidden, "invalid_request", "csrf check failed")
		return
	}
	rec, err := p.request.Get(r.Context(), uri, "", "")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}
	_ = p.request.Delete(r.Context(), uri)
	if rec.Parameters.RedirectURI == "" {
		writeJSONError(w, http.StatusBadRequest, "access_denied", "")
		return
	}
	redirectError(w, rec.Parameters.RedirectURI, "access_denied", "", rec.Parameters.State)
}

var errMissingAccountSub = errors.New("provider: account_sub is required")
