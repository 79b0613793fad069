package provider

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// oauthError is the standard OAuth error body (spec §7, RFC 6749 §5.2).
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
	State            string `json:"state,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, typ, desc string) {
	writeJSON(w, status, oauthError{Error: typ, ErrorDescription: desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// redirectError sends the user agent back to redirectURI with error (and
// error_description/state, if non-empty) in the query string, the
// error-to-redirect fallback spec §7 requires once redirect_uri has been
// validated.
func redirectError(w http.ResponseWriter, redirectURI, typ, desc, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	q := u.Query()
	q.Set("error", typ)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	w.Header().Set("Location", u.String())
	w.WriteHeader(http.StatusFound)
}

// statusForError maps an error taxonomy member to the HTTP status spec
// §7 assigns it.
func statusForError(typ string) int {
	switch typ {
	case "invalid_client":
		return http.StatusUnauthorized
	case "access_denied":
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
