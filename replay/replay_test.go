package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemStore() *memStore { return &memStore{seen: map[string]time.Time{}} }

func (s *memStore) Insert(ctx context.Context, namespace, key string, seenAt time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full := namespace + "|" + key
	if expiry, ok := s.seen[full]; ok && seenAt.Before(expiry) {
		return false, nil
	}
	s.seen[full] = seenAt.Add(ttl)
	return true, nil
}

func TestUniqueJAR_SecondUseRejected(t *testing.T) {
	now := time.Now()
	m := New(newMemStore(), []byte("salt"), func() time.Time { return now })

	ok, err := m.UniqueJAR(context.Background(), "jti-1", "client-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.UniqueJAR(context.Background(), "jti-1", "client-a", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUniqueJAR_ScopedPerClient(t *testing.T) {
	now := time.Now()
	m := New(newMemStore(), []byte("salt"), func() time.Time { return now })

	ok, err := m.UniqueJAR(context.Background(), "jti-1", "client-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Same jti, different client: must not collide.
	ok, err = m.UniqueJAR(context.Background(), "jti-1", "client-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNamespacesDoNotCollide(t *testing.T) {
	now := time.Now()
	m := New(newMemStore(), []byte("salt"), func() time.Time { return now })

	ok, err := m.UniqueJAR(context.Background(), "same-value", "client-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The same raw value in a different namespace (client assertion) must
	// be independently acceptable.
	ok, err = m.UniqueAuth(context.Background(), "same-value", "client-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUniqueDPoP_KeyedByJKTJTIAndIAT(t *testing.T) {
	now := time.Now()
	m := New(newMemStore(), []byte("salt"), func() time.Time { return now })

	ok, err := m.UniqueDPoP(context.Background(), "jkt-1", "jti-1", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.UniqueDPoP(context.Background(), "jkt-1", "jti-1", now, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// A different bound key presenting the coincidentally-equal jti is a
	// distinct witness.
	ok, err = m.UniqueDPoP(context.Background(), "jkt-2", "jti-1", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpiredWitnessCanBeReaccepted(t *testing.T) {
	now := time.Now()
	cur := now
	m := New(newMemStore(), []byte("salt"), func() time.Time { return cur })

	ok, err := m.UniqueAuth(context.Background(), "jti-1", "client-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	cur = now.Add(2 * time.Second)
	ok, err = m.UniqueAuth(context.Background(), "jti-1", "client-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}
