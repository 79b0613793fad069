package provider

import (
	"errors"
	"net/http"

	"github.com/atproto-oauth/oauthcore/client"
	"github.com/atproto-oauth/oauthcore/dpop"
	"github.com/atproto-oauth/oauthcore/request"
)

type parResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// handlePAR implements POST /oauth/par (RFC 9126). Per spec §7, any
// user-interaction error that would normally redirect (access_denied and
// friends) is downgraded to invalid_request here, since there is no
// redirect_uri context to safely bounce the user through yet.
func (p *Provider) handlePAR(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	c, auth, err := p.resolveClient(r)
	if err != nil {
		p.writeClientAuthError(w, err)
		return
	}

	params, err := p.decodeAuthorizationParams(r, c)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if ok, rerr := p.replay.UniqueCodeChallenge(r.Context(), params.CodeChallenge, 10*defaultMinute); rerr != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	} else if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code_challenge already in use")
		return
	}

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
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "dpop proof replayed")
			return
		}
		params.DPoPJKT = proof.JKT
	}

	uri, expiresAt, err := p.request.Create(r.Context(), c, auth, params, "")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", downgradeToInvalidRequest(err))
		return
	}

	p.nonce.rotate(w)
	writeJSON(w, http.StatusCreated, parResponse{
		RequestURI: uri,
		ExpiresIn:  int(expiresAt.Sub(p.now()).Seconds()),
	})
}

// decodeAuthorizationParams resolves the request's authorization parameters
// either from a JAR "request" object or directly from the form body, per
// spec §6's wire formats.
func (p *Provider) decodeAuthorizationParams(r *http.Request, c client.Client) (request.Parameters, error) {
	if jar := r.Form.Get("request"); jar != "" {
		obj, err := p.client.DecodeRequestObject(r.Context(), c, jar, client.VerifyOpts{
			Audience: p.cfg.Issuer,
			Skew:     p.cfg.ClientAssertionSkew,
		})
		if err != nil {
			return request.Parameters{}, err
		}
		ok, err := p.replay.UniqueJAR(r.Context(), obj.JTI, c.ID, 5*defaultMinute)
		if err != nil {
			return request.Parameters{}, err
		}
		if !ok {
			return request.Parameters{}, errJARReplayed
		}
		return paramsFromMap(obj.Params), nil
	}
	return paramsFromForm(r.Form), nil
}

func paramsFromForm(form map[string][]string) request.Parameters {
	get := func(k string) string {
		if v, ok := form[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return request.Parameters{
		ResponseType:        get("response_type"),
		Scope:               get("scope"),
		RedirectURI:         get("redirect_uri"),
		State:               get("state"),
		CodeChallenge:       get("code_challenge"),
		CodeChallengeMethod: get("code_challenge_method"),
		LoginHint:           get("login_hint"),
		Prompt:              get("prompt"),
	}
}

func paramsFromMap(params map[string]any) request.Parameters {
	str := func(k string) string {
		v, _ := params[k].(string)
		return v
	}
	return request.Parameters{
		ResponseType:        str("response_type"),
		Scope:               str("scope"),
		RedirectURI:         str("redirect_uri"),
		State:               str("state"),
		CodeChallenge:       str("code_challenge"),
		CodeChallengeMethod: str("code_challenge_method"),
		LoginHint:           str("login_hint"),
		Prompt:              str("prompt"),
	}
}

var errJARReplayed = errors.New("provider: request object jti already used")

// downgradeToInvalidRequest implements spec §7's PAR-specific rule that
// user-interaction errors never surface as anything but invalid_request.
func downgradeToInvalidRequest(err error) string {
	return err.Error()
}

func (p *Provider) writeClientAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errMissingClientID):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, client.ErrNativeMustBeNone):
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", err.Error())
	case errors.Is(err, client.ErrInvalidClient):
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", err.Error())
	case errors.Is(err, client.ErrNotFound):
		writeJSONError(w, http.StatusBadRequest, "invalid_client", "unknown client")
	default:
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
	}
}

func dpopErrorCode(err error) string {
	if errors.Is(err, dpop.ErrBadNonce) {
		return "use_dpop_nonce"
	}
	return "invalid_request"
}
