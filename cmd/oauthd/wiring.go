package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atproto-oauth/oauthcore/account"
	"github.com/atproto-oauth/oauthcore/client"
	"github.com/atproto-oauth/oauthcore/device"
	"github.com/atproto-oauth/oauthcore/provider"
	"github.com/atproto-oauth/oauthcore/replay"
	"github.com/atproto-oauth/oauthcore/request"
	"github.com/atproto-oauth/oauthcore/signer"
	"github.com/atproto-oauth/oauthcore/storage/memory"
	"github.com/atproto-oauth/oauthcore/token"
)

// app bundles every long-lived collaborator the serve command needs to
// shut down cleanly, the oauthd analogue of dex's server.Server plus its
// owned storage handle.
type app struct {
	store    *memory.Store
	signer   signer.Signer
	provider *provider.Provider
	registry *prometheus.Registry
	logger   *slog.Logger
}

// buildApp wires every manager over a single in-process store, following
// the construction order dexidp-dex's runServe uses: storage first, then
// the signing key, then the server that composes everything (cmd/dex/serve.go).
func buildApp(c Config, logger *slog.Logger) (*app, error) {
	now := func() time.Time { return time.Now().UTC() }

	tokenMaxAge, refreshTTL, requestTTL, codeTTL, keyRotation, err := c.Expiry.durations()
	if err != nil {
		return nil, err
	}

	store := memory.New()
	for _, sc := range c.StaticClients {
		store.RegisterClient(client.Client{
			ID:                      sc.ID,
			ApplicationType:         sc.ApplicationType,
			GrantTypes:              sc.GrantTypes,
			RedirectURIs:            sc.RedirectURIs,
			TokenEndpointAuthMethod: sc.TokenEndpointAuthMethod,
			Scope:                   sc.Scope,
			JWKSURI:                 sc.JWKSURI,
			IsFirstParty:            sc.IsFirstParty,
		})
	}

	s, err := signer.New(c.Issuer, keyRotation, 24*time.Hour, now)
	if err != nil {
		return nil, err
	}
	signer.StartRotation(s, context.Background())

	replaySalt := []byte(c.Issuer) // placeholder: the public issuer URL stands in for a dedicated secret salt; see DESIGN.md.
	replayMgr := replay.New(store, replaySalt, now)
	deviceMgr := device.New(store, true, 400*24*time.Hour, now)
	accountMgr := account.New(store, now)
	clientMgr := client.New(store, client.LoopbackPolicy{AllowedScopes: []string{"atproto", "transition:generic"}}, c.Issuer, now)
	requestMgr := request.New(store, requestTTL, codeTTL, 0, now)

	format := token.FormatOpaque
	if c.Token.Format == "jwt" {
		format = token.FormatJWT
	}
	tokenMgr := token.New(store.Tokens(), s, token.Config{
		Format:          format,
		Audience:        c.Issuer,
		TokenMaxAge:     tokenMaxAge,
		RefreshTokenTTL: refreshTTL,
		AllowPlainPKCE:  c.Token.AllowPlainPKCE,
	}, now)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	prov := provider.New(provider.Config{
		Issuer:             c.Issuer,
		AllowedOrigins:     c.AllowedOrigins,
		PrometheusRegistry: registry,
		Now:                now,
		Logger:             logger,
	}, s, replayMgr, deviceMgr, accountMgr, clientMgr, requestMgr, tokenMgr, client.LoopbackPolicy{AllowedScopes: []string{"atproto", "transition:generic"}}, nil)

	return &app{store: store, signer: s, provider: prov, registry: registry, logger: logger}, nil
}
