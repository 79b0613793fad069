// Package replay implements at-most-once acceptance of single-use witnesses
// (JAR jti, client-assertion jti, PKCE code_challenge, DPoP proof jti) the
// way dexidp-dex's storage layer enforces single-use authorization codes and
// refresh tokens: a conditional insert, never a check-then-insert race.
package replay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Namespaces prevent a witness accepted under one category from being
// mistaken for a witness in another, even if the raw key collides.
const (
	NamespaceJAR            = "jar"
	NamespaceClientAssertion = "client_assertion"
	NamespaceCodeChallenge  = "code_challenge"
	NamespaceDPoP           = "dpop"
)

// Store is the persistence contract for replay records. Insert must be an
// atomic conditional-put: it reports false (no error) if the key was already
// present and unexpired, true if this call committed the record. Store
// implementations are responsible for ensuring a second concurrent Insert of
// the same key can never both return true (i.e. GC and insert are
// linearizable per key).
type Store interface {
	// Insert attempts to record (namespace, key) as seen until seenAt+ttl.
	// Returns true if this call is the one that recorded it.
	Insert(ctx context.Context, namespace, key string, seenAt time.Time, ttl time.Duration) (inserted bool, err error)
}

// Manager is the ReplayManager of the authorization core.
type Manager struct {
	store Store
	now   func() time.Time
	// salt defends against an attacker crafting a key in one namespace that
	// collides with a salted key from another namespace.
	salt []byte
}

// New constructs a ReplayManager over the given store. salt should be a
// server-wide secret; it need not be kept as secret as a signing key, but
// must be stable across process restarts sharing the same store.
func New(store Store, salt []byte, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, now: now, salt: salt}
}

func (m *Manager) saltedKey(namespace, key string) string {
	mac := hmac.New(sha256.New, m.salt)
	mac.Write([]byte(namespace))
	mac.Write([]byte{0})
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) accept(ctx context.Context, namespace, key string, ttl time.Duration) (bool, error) {
	return m.store.Insert(ctx, namespace, m.saltedKey(namespace, key), m.now(), ttl)
}

// UniqueJAR enforces single use of a JAR request object's jti, scoped to the
// client that presented it, for ttl (the request object's own exp plus skew
// is the caller's responsibility to compute).
func (m *Manager) UniqueJAR(ctx context.Context, jti, clientID string, ttl time.Duration) (bool, error) {
	return m.accept(ctx, NamespaceJAR, clientID+"|"+jti, ttl)
}

// UniqueAuth enforces single use of a private_key_jwt client assertion's jti.
func (m *Manager) UniqueAuth(ctx context.Context, jti, clientID string, ttl time.Duration) (bool, error) {
	return m.accept(ctx, NamespaceClientAssertion, clientID+"|"+jti, ttl)
}

// UniqueCodeChallenge enforces that a PKCE code_challenge is used by at most
// one authorization request. This is a coarse guard: it is
// enforced via the replay store rather than linked to prior issued tokens,
// so it may false-positive across server restarts if TTLs diverge. That is
// intentional, matching the observed behavior this spec preserves.
func (m *Manager) UniqueCodeChallenge(ctx context.Context, codeChallenge string, ttl time.Duration) (bool, error) {
	return m.accept(ctx, NamespaceCodeChallenge, codeChallenge, ttl)
}

// UniqueDPoP enforces single use of a DPoP proof, keyed by the proof's own
// jti together with the bound key's thumbprint and issued-at, so that two
// proofs from different keys with coincidentally equal jti never collide.
func (m *Manager) UniqueDPoP(ctx context.Context, jkt, jti string, iat time.Time, ttl time.Duration) (bool, error) {
	key := jkt + "|" + jti + "|" + iat.UTC().Format(time.RFC3339)
	return m.accept(ctx, NamespaceDPoP, key, ttl)
}
