// Package token implements the TokenManager: access/refresh token issuance,
// single-use refresh rotation with lineage revocation, best-effort
// revocation, and introspection (spec §3 "Token", §4.4). Grounded on
// dexidp-dex's storage.Refresh rotation (server/oauth2.go's
// handleTokenFunc/refreshWithConnector) and its server.newIDToken signing
// path, generalized to this spec's DPoP-bound access tokens and explicit
// lineage revocation on replay.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atproto-oauth/oauthcore/client"
	"github.com/atproto-oauth/oauthcore/internal/ids"
	"github.com/atproto-oauth/oauthcore/request"
	"github.com/atproto-oauth/oauthcore/signer"
)

// Format selects how access tokens are represented on the wire.
type Format string

const (
	FormatOpaque Format = "opaque"
	FormatJWT    Format = "jwt"
)

// Kind distinguishes the two record types a lineage is built from.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

var (
	ErrNotFound           = errors.New("token: not found")
	ErrExpired            = errors.New("token: expired")
	ErrRevoked            = errors.New("token: revoked")
	ErrReplayed           = errors.New("token: refresh token already redeemed")
	ErrClientMismatch     = errors.New("token: client does not match original")
	ErrClientAuthMismatch = errors.New("token: client authentication method does not match original")
	ErrDPoPMismatch       = errors.New("token: dpop proof key does not match bound jkt")
	ErrUnexpectedDPoP     = errors.New("token: dpop proof presented for a non-DPoP-bound grant")
	ErrPKCEMismatch       = errors.New("token: code_verifier does not match code_challenge")
	ErrUnsupportedPKCE    = errors.New("token: unsupported or disallowed code_challenge_method")
)

// Cnf is the JWT confirmation claim binding a token to a DPoP key (RFC 9449 §6.1).
type Cnf struct {
	JKT string `json:"jkt"`
}

// Claims is the access token's claim set, used both when Format is FormatJWT
// (serialized into the JWS payload) and internally for opaque tokens (kept
// only in the store record).
type Claims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Audience  string `json:"aud"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	JTI       string `json:"jti"`
	Cnf       *Cnf   `json:"cnf,omitempty"`
}

// Record is a persisted access or refresh token.
type Record struct {
	ID            string
	Kind          Kind
	LineageID     string // groups a refresh chain and its derived access tokens for mass revocation.
	PrevID        string // the refresh id this record rotated out, "" for the first in a lineage.
	RotationCount int
	ClientID      string
	ClientAuth    client.Auth
	Sub           string
	Scope         string
	DPoPJKT       string // "" for a bearer-bound grant.
	Consumed      bool   // refresh tokens only: true once redeemed.
	Revoked       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// Store is the persistence contract for tokens.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// Update applies mutate atomically per id, the same contract
	// request.Store.Update documents.
	Update(ctx context.Context, id string, mutate func(Record) (Record, error)) (Record, error)
	// RevokeLineage marks every record sharing lineageID as revoked. Must be
	// idempotent; implementations may do this via a secondary lineage index.
	RevokeLineage(ctx context.Context, lineageID string) error
}

// Issued is what Create and Refresh return to the token endpoint.
type Issued struct {
	AccessToken  string
	TokenType    string // "DPoP" or "Bearer"
	ExpiresIn    int
	RefreshToken string // "" if offline_access wasn't granted.
	Scope        string
	LineageID    string // groups every token issued from this exchange, for Invariant-B revocation.
}

// Info is what Introspect and AuthenticateTokenID return.
type Info struct {
	Active    bool
	ClientID  string
	Sub       string
	Scope     string
	TokenType string
	ExpiresAt time.Time
}

// Config holds the Manager's tunables (spec §4.4 defaults).
type Config struct {
	Format          Format
	Audience        string        // required `aud`; typically the issuer.
	TokenMaxAge     time.Duration // default 60m.
	TokenMinAge     time.Duration // enforced floor on TokenMaxAge.
	RefreshTokenTTL time.Duration
	AllowPlainPKCE  bool
	IntrospectPad   time.Duration // default 750ms.
}

// Manager is the TokenManager of the authorization core.
type Manager struct {
	store  Store
	signer signer.Signer
	cfg    Config
	now    func() time.Time
	sleep  func(time.Duration)
}

// New constructs a TokenManager.
func New(store Store, s signer.Signer, cfg Config, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if cfg.TokenMaxAge <= 0 {
		cfg.TokenMaxAge = 60 * time.Minute
	}
	if cfg.TokenMinAge <= 0 {
		cfg.TokenMinAge = 5 * time.Minute
	}
	if cfg.TokenMaxAge < cfg.TokenMinAge {
		cfg.TokenMaxAge = cfg.TokenMinAge
	}
	if cfg.IntrospectPad <= 0 {
		cfg.IntrospectPad = 750 * time.Millisecond
	}
	if cfg.Format == "" {
		cfg.Format = FormatOpaque
	}
	return &Manager{store: store, signer: s, cfg: cfg, now: now, sleep: time.Sleep}
}

// Create validates the PKCE and DPoP binding carried over from the
// authorization request and issues an access token, plus a refresh token if
// offline_access was granted.
func (m *Manager) Create(ctx context.Context, c client.Client, auth client.Auth, sub string, params request.Parameters, codeVerifier, dpopJKT string) (Issued, error) {
	if err := verifyPKCE(params, codeVerifier, m.cfg.AllowPlainPKCE); err != nil {
		return Issued{}, err
	}
	if err := checkDPoPBinding(params.DPoPJKT, dpopJKT); err != nil {
		return Issued{}, err
	}

	now := m.now()
	lineageID := ids.New(20)
	tokenType := "Bearer"
	if params.DPoPJKT != "" {
		tokenType = "DPoP"
	}

	access, err := m.issueAccess(ctx, c, auth, sub, params.Scope, params.DPoPJKT, lineageID, now)
	if err != nil {
		return Issued{}, err
	}

	out := Issued{
		AccessToken: access,
		TokenType:   tokenType,
		ExpiresIn:   int(m.cfg.TokenMaxAge.Seconds()),
		Scope:       params.Scope,
		LineageID:   lineageID,
	}

	if hasScope(params.Scope, "offline_access") {
		refreshID := ids.TokenID()
		rec := Record{
			ID:         refreshID,
			Kind:       KindRefresh,
			LineageID:  lineageID,
			ClientID:   c.ID,
			ClientAuth: auth,
			Sub:        sub,
			Scope:      params.Scope,
			DPoPJKT:    params.DPoPJKT,
			CreatedAt:  now,
			UpdatedAt:  now,
			ExpiresAt:  now.Add(m.cfg.RefreshTokenTTL),
		}
		if err := m.store.Create(ctx, rec); err != nil {
			return Issued{}, err
		}
		out.RefreshToken = refreshID
	}
	return out, nil
}

func (m *Manager) issueAccess(ctx context.Context, c client.Client, auth client.Auth, sub, scope, dpopJKT, lineageID string, now time.Time) (string, error) {
	id := ids.TokenID()
	exp := now.Add(m.cfg.TokenMaxAge)

	rec := Record{
		ID:         id,
		Kind:       KindAccess,
		LineageID:  lineageID,
		ClientID:   c.ID,
		ClientAuth: auth,
		Sub:        sub,
		Scope:      scope,
		DPoPJKT:    dpopJKT,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  exp,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return "", err
	}

	if m.cfg.Format != FormatJWT {
		return id, nil
	}

	claims := Claims{
		Issuer:    m.signer.Issuer(),
		Subject:   sub,
		Audience:  m.cfg.Audience,
		ClientID:  c.ID,
		Scope:     scope,
		ExpiresAt: exp.Unix(),
		IssuedAt:  now.Unix(),
		JTI:       id,
	}
	if dpopJKT != "" {
		claims.Cnf = &Cnf{JKT: dpopJKT}
	}
	jws, _, err := m.signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("token: signing access token: %w", err)
	}
	return jws, nil
}

// Refresh redeems a refresh token exactly once, rotating it into a fresh
// access/refresh pair that shares the same lineage. Presenting a refresh
// token that was already redeemed revokes every token ever issued from its
// lineage and fails with ErrReplayed.
func (m *Manager) Refresh(ctx context.Context, c client.Client, auth client.Auth, refreshTokenID, dpopJKT string) (Issued, error) {
	rec, err := m.store.Get(ctx, refreshTokenID)
	if err != nil {
		return Issued{}, ErrNotFound
	}
	if rec.Kind != KindRefresh {
		return Issued{}, ErrNotFound
	}
	if rec.Revoked {
		return Issued{}, ErrRevoked
	}
	if rec.Consumed {
		_ = m.store.RevokeLineage(ctx, rec.LineageID)
		return Issued{}, ErrReplayed
	}
	if rec.ClientID != c.ID {
		return Issued{}, ErrClientMismatch
	}
	if !rec.ClientAuth.Equal(auth) {
		return Issued{}, ErrClientAuthMismatch
	}
	now := m.now()
	if now.After(rec.ExpiresAt) {
		return Issued{}, ErrExpired
	}
	if err := checkDPoPBinding(rec.DPoPJKT, dpopJKT); err != nil {
		return Issued{}, err
	}

	consumed, err := m.store.Update(ctx, refreshTokenID, func(r Record) (Record, error) {
		if r.Consumed || r.Revoked {
			return Record{}, ErrReplayed
		}
		r.Consumed = true
		r.UpdatedAt = now
		return r, nil
	})
	if err != nil {
		_ = m.store.RevokeLineage(ctx, rec.LineageID)
		return Issued{}, ErrReplayed
	}

	tokenType := "Bearer"
	if rec.DPoPJKT != "" {
		tokenType = "DPoP"
	}
	access, err := m.issueAccess(ctx, c, auth, rec.Sub, rec.Scope, rec.DPoPJKT, rec.LineageID, now)
	if err != nil {
		return Issued{}, err
	}

	newRefreshID := ids.TokenID()
	newRefresh := Record{
		ID:            newRefreshID,
		Kind:          KindRefresh,
		LineageID:     rec.LineageID,
		PrevID:        consumed.ID,
		RotationCount: consumed.RotationCount + 1,
		ClientID:      c.ID,
		ClientAuth:    auth,
		Sub:           rec.Sub,
		Scope:         rec.Scope,
		DPoPJKT:       rec.DPoPJKT,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.RefreshTokenTTL),
	}
	if err := m.store.Create(ctx, newRefresh); err != nil {
		return Issued{}, err
	}

	return Issued{
		AccessToken:  access,
		TokenType:    tokenType,
		ExpiresIn:    int(m.cfg.TokenMaxAge.Seconds()),
		RefreshToken: newRefreshID,
		Scope:        rec.Scope,
		LineageID:    rec.LineageID,
	}, nil
}

// Revoke best-effort revokes the lineage a token (access or refresh) belongs
// to. It is idempotent and never errors on an unknown or already-revoked
// token, per RFC 7009 §2.2.
func (m *Manager) Revoke(ctx context.Context, tokenID string) error {
	rec, err := m.store.Get(ctx, m.resolvePresentedID(ctx, tokenID))
	if err != nil {
		return nil
	}
	return m.store.RevokeLineage(ctx, rec.LineageID)
}

// RevokeLineage revokes every token sharing lineageID directly, without a
// token being presented. Used when a security invariant demands
// revocation on its own (spec §3 Invariant B: redeeming an authorization
// code a second time revokes whatever the first exchange issued), as
// opposed to Revoke, which resolves a presented token to its lineage first.
func (m *Manager) RevokeLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return nil
	}
	return m.store.RevokeLineage(ctx, lineageID)
}

// resolvePresentedID maps a caller-presented token onto the store's
// internal record id. Refresh tokens and opaque access tokens already are
// that id; a JWT access token carries it as the "jti" claim, so Revoke and
// Introspect stay correct regardless of Config.Format.
func (m *Manager) resolvePresentedID(ctx context.Context, presented string) string {
	if m.cfg.Format != FormatJWT {
		return presented
	}
	payload, _, err := m.signer.Verify(ctx, presented)
	if err != nil {
		return presented
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil || claims.JTI == "" {
		return presented
	}
	return claims.JTI
}

// Introspect resolves an opaque token id for the token endpoint's
// /oauth/introspect, which requires the caller to be the token's original
// client. It runs in approximately constant time regardless of outcome by
// padding short-circuited lookups up to IntrospectPad, so a client cannot
// distinguish "not found" from "found but not mine" from "expired" by
// timing.
func (m *Manager) Introspect(ctx context.Context, callerClientID, tokenID string) Info {
	start := time.Now()
	defer m.padUntil(start)

	rec, err := m.store.Get(ctx, m.resolvePresentedID(ctx, tokenID))
	if err != nil || rec.Kind != KindAccess || rec.Revoked || rec.ClientID != callerClientID {
		return Info{Active: false}
	}
	if m.now().After(rec.ExpiresAt) {
		return Info{Active: false}
	}
	tokenType := "Bearer"
	if rec.DPoPJKT != "" {
		tokenType = "DPoP"
	}
	return Info{
		Active:    true,
		ClientID:  rec.ClientID,
		Sub:       rec.Sub,
		Scope:     rec.Scope,
		TokenType: tokenType,
		ExpiresAt: rec.ExpiresAt,
	}
}

func (m *Manager) padUntil(start time.Time) {
	elapsed := time.Since(start)
	if elapsed < m.cfg.IntrospectPad {
		m.sleep(m.cfg.IntrospectPad - elapsed)
	}
}

// AuthenticateTokenID is the resource-server-side validation path: it
// resolves a presented access token (opaque id, or JWT verified against the
// signer) and checks its DPoP binding against dpopJKT, the thumbprint of a
// proof presented alongside it ("" for a bearer presentation).
func (m *Manager) AuthenticateTokenID(ctx context.Context, presented, dpopJKT string) (Info, error) {
	if m.cfg.Format == FormatJWT {
		return m.authenticateJWT(ctx, presented, dpopJKT)
	}

	rec, err := m.store.Get(ctx, presented)
	if err != nil || rec.Kind != KindAccess {
		return Info{}, ErrNotFound
	}
	if rec.Revoked {
		return Info{}, ErrRevoked
	}
	if m.now().After(rec.ExpiresAt) {
		return Info{}, ErrExpired
	}
	if err := checkDPoPBinding(rec.DPoPJKT, dpopJKT); err != nil {
		return Info{}, err
	}
	tokenType := "Bearer"
	if rec.DPoPJKT != "" {
		tokenType = "DPoP"
	}
	return Info{Active: true, ClientID: rec.ClientID, Sub: rec.Sub, Scope: rec.Scope, TokenType: tokenType, ExpiresAt: rec.ExpiresAt}, nil
}

func (m *Manager) authenticateJWT(ctx context.Context, presented, dpopJKT string) (Info, error) {
	payload, _, err := m.signer.Verify(ctx, presented)
	if err != nil {
		return Info{}, ErrNotFound
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Info{}, ErrNotFound
	}
	if m.now().After(time.Unix(claims.ExpiresAt, 0)) {
		return Info{}, ErrExpired
	}
	boundJKT := ""
	if claims.Cnf != nil {
		boundJKT = claims.Cnf.JKT
	}
	if err := checkDPoPBinding(boundJKT, dpopJKT); err != nil {
		return Info{}, err
	}
	tokenType := "Bearer"
	if boundJKT != "" {
		tokenType = "DPoP"
	}
	return Info{Active: true, ClientID: claims.ClientID, Sub: claims.Subject, Scope: claims.Scope, TokenType: tokenType, ExpiresAt: time.Unix(claims.ExpiresAt, 0)}, nil
}

// checkDPoPBinding enforces Invariant C: a token bound to boundJKT at
// issuance must see that same thumbprint on every later presentation; a
// token issued for the bearer flow (boundJKT=="") must never be presented
// with a DPoP proof.
func checkDPoPBinding(boundJKT, presentedJKT string) error {
	if boundJKT == "" {
		if presentedJKT != "" {
			return ErrUnexpectedDPoP
		}
		return nil
	}
	if presentedJKT != boundJKT {
		return ErrDPoPMismatch
	}
	return nil
}

func verifyPKCE(params request.Parameters, verifier string, allowPlain bool) error {
	switch params.CodeChallengeMethod {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != params.CodeChallenge {
			return ErrPKCEMismatch
		}
	case "plain":
		if !allowPlain {
			return ErrUnsupportedPKCE
		}
		if verifier != params.CodeChallenge {
			return ErrPKCEMismatch
		}
	default:
		return ErrUnsupportedPKCE
	}
	return nil
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
