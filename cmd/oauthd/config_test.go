package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	base := Config{Issuer: "https://as.example", Web: Web{HTTP: ":8080"}}
	require.NoError(t, base.Validate())

	noIssuer := base
	noIssuer.Issuer = ""
	require.Error(t, noIssuer.Validate())

	noListen := base
	noListen.Web.HTTP = ""
	require.Error(t, noListen.Validate())

	badStatic := base
	badStatic.StaticClients = []StaticClient{{ApplicationType: "web"}}
	require.Error(t, badStatic.Validate())
}

func TestExpiry_DurationsAppliesDefaults(t *testing.T) {
	var e Expiry
	tokenMaxAge, refreshTTL, requestTTL, codeTTL, rotation, err := e.durations()
	require.NoError(t, err)
	require.Equal(t, 60*time.Minute, tokenMaxAge)
	require.Equal(t, 14*24*time.Hour, refreshTTL)
	require.Equal(t, 5*time.Minute, requestTTL)
	require.Equal(t, 60*time.Second, codeTTL)
	require.Equal(t, 24*time.Hour, rotation)
}

func TestExpiry_DurationsParsesOverrides(t *testing.T) {
	e := Expiry{Tokens: "2h", RefreshTokens: "30d", AuthRequests: "90s", AuthorizedCodes: "10s", SigningKeys: "1h"}
	_, _, _, _, _, err := e.durations()
	require.Error(t, err) // "30d" is not a valid time.ParseDuration unit

	e.RefreshTokens = "720h"
	tokenMaxAge, refreshTTL, requestTTL, codeTTL, rotation, err := e.durations()
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, tokenMaxAge)
	require.Equal(t, 720*time.Hour, refreshTTL)
	require.Equal(t, 90*time.Second, requestTTL)
	require.Equal(t, 10*time.Second, codeTTL)
	require.Equal(t, time.Hour, rotation)
}
