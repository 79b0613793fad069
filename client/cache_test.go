package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLCache_SetThenGetBeforeExpiry(t *testing.T) {
	cur := time.Now()
	c := newTTLCache[string](10, time.Minute, func() time.Time { return cur })

	c.set("k", "v")
	v, ok := c.get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestTTLCache_ExpiresAfterTTL(t *testing.T) {
	cur := time.Now()
	c := newTTLCache[string](10, time.Minute, func() time.Time { return cur })

	c.set("k", "v")
	cur = cur.Add(2 * time.Minute)
	_, ok := c.get("k")
	require.False(t, ok)
}

func TestTTLCache_MissingKey(t *testing.T) {
	c := newTTLCache[string](10, time.Minute, nil)
	_, ok := c.get("missing")
	require.False(t, ok)
}
