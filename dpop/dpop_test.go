package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

func signProof(t *testing.T, claims map[string]any) (string, *jose.JSONWebKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwk := &jose.JSONWebKey{Key: priv, KeyID: "test", Algorithm: string(jose.ES256), Use: "sig"}
	pub := jwk.Public()

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: jwk.Key}, (&jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]any{"typ": "dpop+jwt"},
	}).WithHeader("jwk", pub))
	require.NoError(t, err)

	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	compact, err := sig.CompactSerialize()
	require.NoError(t, err)
	return compact, &pub
}

func TestVerify_RoundTrip(t *testing.T) {
	now := time.Now()
	compact, _ := signProof(t, map[string]any{
		"jti": "abc123",
		"htm": "POST",
		"htu": "https://as.example/oauth/token",
		"iat": now.Unix(),
	})

	proof, err := Verify(compact, VerifyOpts{
		Method: "POST",
		URL:    "https://as.example/oauth/token",
		MaxAge: time.Minute,
		Now:    now,
	})
	require.NoError(t, err)
	require.Equal(t, "abc123", proof.JTI)
	require.NotEmpty(t, proof.JKT)
}

func TestVerify_SameKeySameThumbprint(t *testing.T) {
	now := time.Now()
	claims := func(jti string) map[string]any {
		return map[string]any{"jti": jti, "htm": "POST", "htu": "https://as.example/oauth/token", "iat": now.Unix()}
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwk := &jose.JSONWebKey{Key: priv, KeyID: "k", Algorithm: string(jose.ES256), Use: "sig"}
	pub := jwk.Public()
	sign := func(cl map[string]any) string {
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: jwk.Key}, (&jose.SignerOptions{
			ExtraHeaders: map[jose.HeaderKey]any{"typ": "dpop+jwt"},
		}).WithHeader("jwk", pub))
		require.NoError(t, err)
		payload, err := json.Marshal(cl)
		require.NoError(t, err)
		sig, err := signer.Sign(payload)
		require.NoError(t, err)
		compact, err := sig.CompactSerialize()
		require.NoError(t, err)
		return compact
	}
	opts := VerifyOpts{Method: "POST", URL: "https://as.example/oauth/token", MaxAge: time.Minute, Now: now}
	p1, err := Verify(sign(claims("a")), opts)
	require.NoError(t, err)
	p2, err := Verify(sign(claims("b")), opts)
	require.NoError(t, err)
	require.Equal(t, p1.JKT, p2.JKT)
}

func TestVerify_HTMMismatch(t *testing.T) {
	now := time.Now()
	compact, _ := signProof(t, map[string]any{
		"jti": "abc123",
		"htm": "GET",
		"htu": "https://as.example/oauth/token",
		"iat": now.Unix(),
	})
	_, err := Verify(compact, VerifyOpts{Method: "POST", URL: "https://as.example/oauth/token", Now: now})
	require.ErrorIs(t, err, ErrMismatch)
}

func TestVerify_StaleIAT(t *testing.T) {
	now := time.Now()
	compact, _ := signProof(t, map[string]any{
		"jti": "abc123",
		"htm": "POST",
		"htu": "https://as.example/oauth/token",
		"iat": now.Add(-time.Hour).Unix(),
	})
	_, err := Verify(compact, VerifyOpts{Method: "POST", URL: "https://as.example/oauth/token", MaxAge: time.Minute, Now: now})
	require.ErrorIs(t, err, ErrStale)
}

func TestVerify_BadNonce(t *testing.T) {
	now := time.Now()
	compact, _ := signProof(t, map[string]any{
		"jti":   "abc123",
		"htm":   "POST",
		"htu":   "https://as.example/oauth/token",
		"iat":   now.Unix(),
		"nonce": "stale-nonce",
	})
	_, err := Verify(compact, VerifyOpts{
		Method: "POST", URL: "https://as.example/oauth/token", Now: now,
		ExpectedNonce: "fresh-nonce",
	})
	require.ErrorIs(t, err, ErrBadNonce)
}

func TestNewNonce_Unique(t *testing.T) {
	require.NotEqual(t, NewNonce(), NewNonce())
}
