package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
)

// Config is the config format for the oauthd binary, structurally the same
// shape dexidp-dex's own cmd/dex Config takes: one YAML document, validated
// as loaded. No environment-variable overrides are applied.
type Config struct {
	Issuer string `json:"issuer"`
	Web    Web    `json:"web"`
	Logger Logger `json:"logger"`
	Token  Token  `json:"token"`
	Expiry Expiry `json:"expiry"`

	// AllowedOrigins, when non-empty, replaces "*" as the allowed CORS origin
	// list of the public (non-interactive) endpoints; when empty those allow
	// "*". Interactive endpoints do not consult it.
	AllowedOrigins []string `json:"allowedOrigins"`

	// StaticClients pre-registers clients this server trusts without a
	// remote metadata fetch, the oauthd analogue of dex's StaticClients.
	StaticClients []StaticClient `json:"staticClients"`
}

// Web configures the HTTP listeners.
type Web struct {
	HTTP          string `json:"http"`
	TelemetryHTTP string `json:"telemetryHTTP"`
}

// Logger configures the structured logger.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Token configures the TokenManager.
type Token struct {
	Format         string `json:"format"` // "opaque" | "jwt"
	AllowPlainPKCE bool   `json:"allowPlainPKCE"`
}

// Expiry configures every duration the core's managers use.
type Expiry struct {
	Tokens          string `json:"tokens"`
	RefreshTokens   string `json:"refreshTokens"`
	AuthRequests    string `json:"authRequests"`
	AuthorizedCodes string `json:"authorizedCodes"`
	SigningKeys     string `json:"signingKeys"`
}

// StaticClient pre-registers a client's metadata.
type StaticClient struct {
	ID                      string   `json:"id"`
	ApplicationType         string   `json:"applicationType"`
	GrantTypes              []string `json:"grantTypes"`
	RedirectURIs            []string `json:"redirectURIs"`
	TokenEndpointAuthMethod string   `json:"tokenEndpointAuthMethod"`
	Scope                   string   `json:"scope"`
	JWKSURI                 string   `json:"jwksURI"`
	IsFirstParty            bool     `json:"isFirstParty"`
}

func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return c, nil
}

// Validate performs the fast, fail-fast checks dex's own Config.Validate
// runs before anything expensive (storage, listeners) is opened.
func (c Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("invalid config: no issuer specified")
	}
	if c.Web.HTTP == "" {
		return fmt.Errorf("invalid config: web.http listen address is required")
	}
	for _, sc := range c.StaticClients {
		if sc.ID == "" {
			return fmt.Errorf("invalid config: static client missing id")
		}
	}
	return nil
}

func (e Expiry) durations() (tokenMaxAge, refreshTTL, requestTTL, codeTTL, signingKeyRotation time.Duration, err error) {
	parse := func(s string, def time.Duration) (time.Duration, error) {
		if s == "" {
			return def, nil
		}
		return time.ParseDuration(s)
	}
	if tokenMaxAge, err = parse(e.Tokens, 60*time.Minute); err != nil {
		return
	}
	if refreshTTL, err = parse(e.RefreshTokens, 14*24*time.Hour); err != nil {
		return
	}
	if requestTTL, err = parse(e.AuthRequests, 5*time.Minute); err != nil {
		return
	}
	if codeTTL, err = parse(e.AuthorizedCodes, 60*time.Second); err != nil {
		return
	}
	if signingKeyRotation, err = parse(e.SigningKeys, 24*time.Hour); err != nil {
		return
	}
	return
}
