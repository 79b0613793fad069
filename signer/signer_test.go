package signer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type claims struct {
	Sub string `json:"sub"`
}

func TestSignVerify_RoundTrip(t *testing.T) {
	s, err := New("https://as.example", time.Hour, time.Hour, nil)
	require.NoError(t, err)

	compact, kid, err := s.Sign(claims{Sub: "did:plc:abc"})
	require.NoError(t, err)
	require.NotEmpty(t, kid)

	payload, vkid, err := s.Verify(context.Background(), compact)
	require.NoError(t, err)
	require.Equal(t, kid, vkid)
	require.Contains(t, string(payload), "did:plc:abc")
}

func TestVerify_RejectsGarbage(t *testing.T) {
	s, err := New("https://as.example", time.Hour, time.Hour, nil)
	require.NoError(t, err)

	_, _, err = s.Verify(context.Background(), "not-a-jws")
	require.Error(t, err)
}

func TestRotateNow_OldKeyStillVerifiesUntilExpiry(t *testing.T) {
	cur := time.Now()
	s, err := New("https://as.example", time.Hour, time.Minute, func() time.Time { return cur })
	require.NoError(t, err)

	compact, oldKID, err := s.Sign(claims{Sub: "a"})
	require.NoError(t, err)

	require.NoError(t, s.RotateNow())

	_, kid, err := s.Verify(context.Background(), compact)
	require.NoError(t, err)
	require.Equal(t, oldKID, kid)

	keys := s.PublicJWKS()
	require.Len(t, keys.Keys, 2)
}

func TestRotateNow_OldKeyPrunedAfterExpiry(t *testing.T) {
	cur := time.Now()
	s, err := New("https://as.example", time.Hour, time.Minute, func() time.Time { return cur })
	require.NoError(t, err)

	compact, _, err := s.Sign(claims{Sub: "a"})
	require.NoError(t, err)
	require.NoError(t, s.RotateNow())

	cur = cur.Add(2 * time.Minute)
	_, _, err = s.Verify(context.Background(), compact)
	require.Error(t, err)

	keys := s.PublicJWKS()
	require.Len(t, keys.Keys, 1)
}
