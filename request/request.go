// Package request implements the RequestManager: the authorization-request
// state machine an interactive OAuth flow moves through between PAR (or a
// bare /authorize GET) and the token exchange (spec §3 "AuthorizationRequest",
// §4.3). Grounded on dexidp-dex's authRequest lifecycle
// (storage.AuthRequest, server/oauth2.go's handleAuthFunc /
// handleConnectorLoginFunc / finalizeLogin), generalized to the
// Pending/Bound/Authorized/Consumed state names this spec uses and to a
// replay-on-failure code lineage dex's single-attempt model doesn't need.
package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atproto-oauth/oauthcore/client"
	"github.com/atproto-oauth/oauthcore/internal/ids"
)

// Status is a request's position in its lifecycle (spec §3 Invariant A/B).
type Status string

const (
	StatusPending    Status = "pending"
	StatusBound      Status = "bound"
	StatusAuthorized Status = "authorized"
	StatusConsumed   Status = "consumed"
	StatusReplayed   Status = "replayed"
)

var (
	ErrNotFound             = errors.New("request: not found")
	ErrExpired              = errors.New("request: expired")
	ErrDeviceMismatch       = errors.New("request: bound to a different device")
	ErrClientMismatch       = errors.New("request: bound to a different client")
	ErrAlreadyAuthorized    = errors.New("request: already authorized or consumed")
	ErrNotAuthorized        = errors.New("request: not yet authorized")
	ErrCodeReplayed         = errors.New("request: authorization code already used")
	ErrClientAuthMismatch   = errors.New("request: code redeemed under a different client authentication method")
	ErrUnsupportedResponse  = errors.New("request: unsupported response_type")
	ErrInvalidRedirectURI   = errors.New("request: redirect_uri not registered for client")
	ErrInvalidScope         = errors.New("request: scope not permitted for client")
	ErrMissingCodeChallenge = errors.New("request: code_challenge is required")
)

// Parameters is the validated set of authorization parameters an
// AuthorizationRequest carries, the spec §3 "parameters" field.
type Parameters struct {
	ResponseType        string
	Scope               string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	LoginHint           string
	Prompt              string
	DPoPJKT             string
}

// Record is the persisted AuthorizationRequest.
type Record struct {
	URI        string
	ClientID   string
	ClientAuth client.Auth
	Parameters Parameters
	DeviceID   string
	Code       string
	Sub        string
	Status     Status
	CreatedAt  time.Time
	ExpiresAt  time.Time
	// LineageID is the token lineage issued for Code, recorded by BindLineage
	// once the token endpoint has exchanged it. A replayed redemption of Code
	// uses this to revoke whatever the first exchange issued (spec §3
	// Invariant B).
	LineageID string
}

// CodeInfo is what FindCode returns on successful, single-use redemption.
type CodeInfo struct {
	URI        string
	Sub        string
	DeviceID   string
	ClientAuth client.Auth
	Parameters Parameters
}

// ReplayedCodeError reports that a code was already consumed or replayed,
// carrying the token lineage (if any) the earlier successful exchange
// issued, so the caller can revoke it per spec §3 Invariant B / §8 property 2.
type ReplayedCodeError struct {
	LineageID string
}

func (e *ReplayedCodeError) Error() string { return ErrCodeReplayed.Error() }
func (e *ReplayedCodeError) Unwrap() error { return ErrCodeReplayed }

// Store is the persistence contract for authorization requests. Update must
// apply mutate atomically per uri: concurrent callers are serialized (a CAS
// retry loop or per-key lock), and mutate may be invoked more than once
// under contention, the same contract account.Store.UpdateDeviceAccountInfo
// documents. Create must fail if uri already exists. Delete is idempotent.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, uri string) (Record, error)
	// GetByCode resolves the request that issued code. Implementations
	// typically maintain a secondary code->uri index alongside the primary
	// by-uri store.
	GetByCode(ctx context.Context, code string) (Record, error)
	Update(ctx context.Context, uri string, mutate func(Record) (Record, error)) (Record, error)
	Delete(ctx context.Context, uri string) error
}

// Manager is the RequestManager of the authorization core.
type Manager struct {
	store      Store
	now        func() time.Time
	requestTTL time.Duration
	codeTTL    time.Duration
	slideBy    time.Duration
}

// New constructs a RequestManager. requestTTL bounds how long an
// unauthorized request_uri remains acceptable (spec default 60-300s);
// codeTTL bounds the issued code's own lifetime (<=60s); slideBy is the
// bounded extension Get may apply on a successful interactive retrieval (0
// disables sliding TTL).
func New(store Store, requestTTL, codeTTL, slideBy time.Duration, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, now: now, requestTTL: requestTTL, codeTTL: codeTTL, slideBy: slideBy}
}

// Create validates params against c and persists a fresh AuthorizationRequest,
// Bound if deviceID is already known (e.g. a same-origin /authorize GET with
// an existing device cookie) or Pending otherwise (the common PAR case,
// where the device hasn't been established yet).
func (m *Manager) Create(ctx context.Context, c client.Client, auth client.Auth, params Parameters, deviceID string) (uri string, expiresAt time.Time, err error) {
	if params.ResponseType != "code" {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrUnsupportedResponse, params.ResponseType)
	}
	if !redirectRegistered(c, params.RedirectURI) {
		return "", time.Time{}, ErrInvalidRedirectURI
	}
	if !scopePermitted(c, params.Scope) {
		return "", time.Time{}, ErrInvalidScope
	}
	if params.CodeChallenge == "" {
		return "", time.Time{}, ErrMissingCodeChallenge
	}
	if params.CodeChallengeMethod == "" {
		params.CodeChallengeMethod = "S256"
	}

	now := m.now()
	status := StatusPending
	if deviceID != "" {
		status = StatusBound
	}
	rec := Record{
		URI:        ids.RequestURI(),
		ClientID:   c.ID,
		ClientAuth: auth,
		Parameters: params,
		DeviceID:   deviceID,
		Status:     status,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.requestTTL),
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return "", time.Time{}, err
	}
	return rec.URI, rec.ExpiresAt, nil
}

// Get loads the request named by uri, failing if it's missing, expired, or
// bound to a different device or client than the one presenting it.
// deviceID and expectedClientID of "" skip the corresponding check. A
// successful interactive retrieval may slide the expiry forward by the
// Manager's bounded slideBy delta.
func (m *Manager) Get(ctx context.Context, uri, deviceID, expectedClientID string) (Record, error) {
	rec, err := m.store.Get(ctx, uri)
	if err != nil {
		return Record{}, ErrNotFound
	}
	if rec.Status == StatusConsumed || rec.Status == StatusReplayed {
		return Record{}, ErrNotFound
	}
	now := m.now()
	if now.After(rec.ExpiresAt) {
		return Record{}, ErrExpired
	}
	if rec.DeviceID != "" && deviceID != "" && rec.DeviceID != deviceID {
		return Record{}, ErrDeviceMismatch
	}
	if expectedClientID != "" && rec.ClientID != expectedClientID {
		return Record{}, ErrClientMismatch
	}

	if m.slideBy > 0 {
		newExpiry := now.Add(m.slideBy)
		if newExpiry.After(rec.ExpiresAt) {
			updated, err := m.store.Update(ctx, uri, func(r Record) (Record, error) {
				if newExpiry.After(r.ExpiresAt) {
					r.ExpiresAt = newExpiry
				}
				return r, nil
			})
			if err == nil {
				rec = updated
			}
		}
	}
	return rec, nil
}

// Bind attaches deviceID to a still-Pending request, transitioning it to
// Bound. Rebinding the same device is a no-op; binding a request already
// bound to a different device fails.
func (m *Manager) Bind(ctx context.Context, uri, deviceID string) error {
	_, err := m.store.Update(ctx, uri, func(r Record) (Record, error) {
		if r.DeviceID != "" && r.DeviceID != deviceID {
			return Record{}, ErrDeviceMismatch
		}
		if r.DeviceID == "" {
			r.DeviceID = deviceID
			if r.Status == StatusPending {
				r.Status = StatusBound
			}
		}
		return r, nil
	})
	return err
}

// SetAuthorized transitions a Bound request to Authorized, generating the
// one-time authorization code. Per Invariant A this succeeds at most once:
// a request already Authorized, Consumed, or Replayed fails with
// ErrAlreadyAuthorized.
func (m *Manager) SetAuthorized(ctx context.Context, uri, clientID, sub, deviceID string) (string, error) {
	code := ids.Code()
	rec, err := m.store.Update(ctx, uri, func(r Record) (Record, error) {
		if r.Status != StatusPending && r.Status != StatusBound {
			return Record{}, ErrAlreadyAuthorized
		}
		if clientID != "" && r.ClientID != clientID {
			return Record{}, ErrClientMismatch
		}
		if r.DeviceID != "" && r.DeviceID != deviceID {
			return Record{}, ErrDeviceMismatch
		}
		r.DeviceID = deviceID
		r.Sub = sub
		r.Code = code
		r.Status = StatusAuthorized
		r.ExpiresAt = m.now().Add(m.codeTTL)
		return r, nil
	})
	if err != nil {
		return "", err
	}
	return rec.Code, nil
}

// FindCode redeems an authorization code at most once (Invariant B): clientID
// must match the request's original client and auth must be the exact
// client-auth method the request was authorized under. On any failure
// (expired, wrong client, auth mismatch, or a second redemption attempt)
// the request is marked Replayed so a retried attempt can never succeed,
// even one that would otherwise have matched.
func (m *Manager) FindCode(ctx context.Context, clientID string, auth client.Auth, code string) (CodeInfo, error) {
	rec, err := m.store.GetByCode(ctx, code)
	if err != nil {
		return CodeInfo{}, ErrNotFound
	}

	now := m.now()
	result, consumeErr := m.store.Update(ctx, rec.URI, func(r Record) (Record, error) {
		if r.Code != code {
			return Record{}, ErrNotFound
		}
		if r.Status == StatusConsumed || r.Status == StatusReplayed {
			return Record{}, &ReplayedCodeError{LineageID: r.LineageID}
		}
		if r.Status != StatusAuthorized {
			return Record{}, ErrNotAuthorized
		}
		if now.After(r.ExpiresAt) {
			return Record{}, ErrExpired
		}
		if r.ClientID != clientID {
			return Record{}, ErrClientMismatch
		}
		if !r.ClientAuth.Equal(auth) {
			return Record{}, ErrClientAuthMismatch
		}
		r.Status = StatusConsumed
		return r, nil
	})
	if consumeErr != nil {
		_, _ = m.store.Update(ctx, rec.URI, func(r Record) (Record, error) {
			if r.Status == StatusConsumed {
				return r, nil
			}
			r.Status = StatusReplayed
			return r, nil
		})
		return CodeInfo{}, consumeErr
	}

	return CodeInfo{
		URI:        result.URI,
		Sub:        result.Sub,
		DeviceID:   result.DeviceID,
		ClientAuth: result.ClientAuth,
		Parameters: result.Parameters,
	}, nil
}

// BindLineage records the token lineage issued from a just-consumed code
// against its request (CodeInfo.URI), so a later replay of that same code
// can revoke it via the LineageID a ReplayedCodeError carries.
func (m *Manager) BindLineage(ctx context.Context, uri, lineageID string) error {
	_, err := m.store.Update(ctx, uri, func(r Record) (Record, error) {
		r.LineageID = lineageID
		return r, nil
	})
	return err
}

// Delete idempotently removes a request, e.g. after a terminal redirect or
// explicit rejection.
func (m *Manager) Delete(ctx context.Context, uri string) error {
	return m.store.Delete(ctx, uri)
}

func redirectRegistered(c client.Client, uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

func scopePermitted(c client.Client, scope string) bool {
	allowed := strings.Fields(c.Scope)
	if len(allowed) == 0 {
		return true
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}
	for _, s := range strings.Fields(scope) {
		if !allowedSet[s] {
			return false
		}
	}
	return true
}
