// Package provider implements the Provider (Orchestrator): it composes the
// ReplayManager, ClientManager, RequestManager, TokenManager,
// AccountManager, DeviceManager, and Signer into the HTTP endpoint
// contracts of spec §6, enforcing the cross-cutting policy of spec §4.5
// (CSRF, CORS, DPoP nonce rotation, prompt semantics). Grounded on
// dexidp-dex's server.Server: mux.NewRouter route table and CORS wiring
// (server/server.go), its apiError/writeResponseWithBody shape
// (server/error.go), and its renderError/writeAccessToken response helpers
// (server/handlers.go).
package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atproto-oauth/oauthcore/account"
	"github.com/atproto-oauth/oauthcore/client"
	"github.com/atproto-oauth/oauthcore/device"
	"github.com/atproto-oauth/oauthcore/replay"
	"github.com/atproto-oauth/oauthcore/request"
	"github.com/atproto-oauth/oauthcore/signer"
	"github.com/atproto-oauth/oauthcore/token"
)

// defaultMinute is a readability alias used when computing replay-store
// TTLs from fixed windows (spec §3 "replay record" TTL guidance).
const defaultMinute = time.Minute

// Resetter is the explicit capability trait for password-reset side
// effects (spec §9 "Hooks ... an explicit capability trait"). A Provider
// with a nil Resetter answers the reset-password endpoints with
// temporarily_unavailable rather than panicking.
type Resetter interface {
	RequestReset(ctx context.Context, handle string) error
	ConfirmReset(ctx context.Context, resetToken, newPassword string) error
}

// Config holds the Provider's policy tunables.
type Config struct {
	Issuer               string
	AllowedOrigins       []string
	AuthenticationMaxAge time.Duration // default 12h.
	CSRFSecure           bool          // Secure flag on the CSRF cookie; false only for local dev over http.
	ClientAssertionSkew  time.Duration // default 2m.
	AllowedGrantTypes    []string      // default authorization_code, refresh_token.
	PrometheusRegistry   *prometheus.Registry
	Now                  func() time.Time
	Logger               *slog.Logger
}

// Provider is the Orchestrator of the authorization core: the single type
// that wires every manager into runnable HTTP handlers.
type Provider struct {
	cfg Config
	now func() time.Time
	log *slog.Logger

	signer  signer.Signer
	replay  *replay.Manager
	device  *device.Manager
	account *account.Manager
	client  *client.Manager
	request *request.Manager
	token   *token.Manager

	loopback client.LoopbackPolicy
	reset    Resetter
	nonce    *nonceRotator
}

// New constructs a Provider from its collaborators. Every manager is
// constructed by the caller (typically cmd/oauthd's wiring step) over
// whatever Store implementations it chooses; the Provider itself never
// touches storage directly.
func New(cfg Config, s signer.Signer, replayMgr *replay.Manager, deviceMgr *device.Manager, accountMgr *account.Manager, clientMgr *client.Manager, requestMgr *request.Manager, tokenMgr *token.Manager, loopback client.LoopbackPolicy, reset Resetter) *Provider {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AuthenticationMaxAge <= 0 {
		cfg.AuthenticationMaxAge = 12 * time.Hour
	}
	if cfg.ClientAssertionSkew <= 0 {
		cfg.ClientAssertionSkew = 2 * time.Minute
	}
	if len(cfg.AllowedGrantTypes) == 0 {
		cfg.AllowedGrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{
		cfg:      cfg,
		now:      cfg.Now,
		log:      cfg.Logger,
		signer:   s,
		replay:   replayMgr,
		device:   deviceMgr,
		account:  accountMgr,
		client:   clientMgr,
		request:  requestMgr,
		token:    tokenMgr,
		loopback: loopback,
		reset:    reset,
		nonce:    newNonceRotator(),
	}
}

// Router builds the complete mux.Router serving every endpoint in spec §6.
func (p *Provider) Router() *mux.Router {
	r := mux.NewRouter().SkipClean(true)
	r.NotFoundHandler = http.NotFoundHandler()

	instrument := p.instrumentHandler

	publicCORS := func(path string, methods []string, h http.HandlerFunc) {
		// OPTIONS must reach the route so the CORS middleware inside can
		// answer preflight; mux's method match happens before the handler
		// chain runs.
		r.Handle(path, p.withRequestContext(instrument(path, p.withNoStore(p.corsPublic(h))))).Methods(append(methods, http.MethodOptions)...)
	}
	sameOrigin := func(path string, methods []string, h http.HandlerFunc) {
		r.Handle(path, p.withRequestContext(instrument(path, p.withNoStore(p.requireSameOrigin(h))))).Methods(methods...)
	}

	publicCORS("/.well-known/oauth-authorization-server", []string{http.MethodGet}, p.handleMetadata)
	publicCORS("/oauth/jwks", []string{http.MethodGet}, p.handleJWKS)
	publicCORS("/oauth/par", []string{http.MethodPost}, p.handlePAR)
	publicCORS("/oauth/token", []string{http.MethodPost}, p.handleToken)
	publicCORS("/oauth/revoke", []string{http.MethodPost}, p.handleRevoke)
	publicCORS("/oauth/introspect", []string{http.MethodPost}, p.handleIntrospect)

	sameOrigin("/oauth/authorize", []string{http.MethodGet}, p.handleAuthorize)
	sameOrigin("/oauth/authorize/sign-in", []string{http.MethodPost}, p.handleSignIn)
	sameOrigin("/oauth/authorize/sign-up", []string{http.MethodPost}, p.handleSignUp)
	sameOrigin("/oauth/authorize/verify-handle-availability", []string{http.MethodPost}, p.handleVerifyHandle)
	sameOrigin("/oauth/authorize/reset-password-request", []string{http.MethodPost}, p.handleResetPasswordRequest)
	sameOrigin("/oauth/authorize/reset-password-confirm", []string{http.MethodPost}, p.handleResetPasswordConfirm)
	sameOrigin("/oauth/authorize/accept", []string{http.MethodGet}, p.handleAccept)
	sameOrigin("/oauth/authorize/reject", []string{http.MethodGet}, p.handleReject)

	return r
}

// instrumentHandler wraps h with Prometheus request metrics when a registry
// is configured, matching dex's instrumentHandler closure in server.go.
func (p *Provider) instrumentHandler(name string, h http.Handler) http.Handler {
	if p.cfg.PrometheusRegistry == nil {
		return h
	}
	durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oauthcore_request_duration_seconds",
		Help:    "A histogram of latencies for oauthcore requests.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"code", "method", "handler"})
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauthcore_requests_total",
		Help: "Count of all oauthcore HTTP requests.",
	}, []string{"code", "method", "handler"})
	// Every route builds collectors with the same names; routes after the
	// first reuse the ones already registered so their metrics are exported.
	if err := p.cfg.PrometheusRegistry.Register(durationHist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			durationHist = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	if err := p.cfg.PrometheusRegistry.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return promhttp.InstrumentHandlerDuration(
		durationHist.MustCurryWith(prometheus.Labels{"handler": name}),
		promhttp.InstrumentHandlerCounter(
			counter.MustCurryWith(prometheus.Labels{"handler": name}),
			h,
		),
	)
}

// corsPublic allows cross-origin, credential-less access, spec §4.5's
// policy for non-interactive endpoints.
func (p *Provider) corsPublic(h http.HandlerFunc) http.Handler {
	opts := []handlers.CORSOption{
		handlers.AllowedOrigins(originsOrWildcard(p.cfg.AllowedOrigins)),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Authorization", "DPoP", "Content-Type"}),
		handlers.ExposedHeaders([]string{"DPoP-Nonce"}),
	}
	return handlers.CORS(opts...)(h)
}

func originsOrWildcard(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (p *Provider) withNoStore(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		h.ServeHTTP(w, r)
	}
}

// requireSameOrigin enforces spec §6's same-origin policy for interactive
// endpoints via fetch metadata, falling back to Origin/Referer when a
// client doesn't send Sec-Fetch-* (older browsers, same-origin fetch
// polyfills).
func (p *Provider) requireSameOrigin(h http.HandlerFunc) http.HandlerFunc {
	issuerOrigin := ""
	if u, err := url.Parse(p.cfg.Issuer); err == nil {
		issuerOrigin = u.Scheme + "://" + u.Host
	}
	return func(w http.ResponseWriter, r *http.Request) {
		crossOrigin := false
		if site := r.Header.Get("Sec-Fetch-Site"); site != "" {
			crossOrigin = site != "same-origin" && site != "none"
		} else if from := r.Header.Get("Origin"); from != "" || r.Header.Get("Referer") != "" {
			if from == "" {
				from = r.Header.Get("Referer")
			}
			u, err := url.Parse(from)
			crossOrigin = err != nil || u.Scheme+"://"+u.Host != issuerOrigin
		}
		if crossOrigin {
			writeJSONError(w, http.StatusForbidden, "invalid_request", "cross-origin request rejected")
			return
		}
		h(w, r)
	}
}

// issuerPath joins issuer and p into an absolute URL. path.Join is wrong
// here: it runs path.Clean, which collapses the scheme's "//" and yields a
// malformed "https:/issuer.example/..." URL.
func issuerPath(issuer, p string) string {
	return strings.TrimRight(issuer, "/") + p
}
