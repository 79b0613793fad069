// Package device issues and verifies the opaque device identifiers bound to
// a user-agent session (spec §3 "Device"), persisted client-side as a signed
// cookie pair the way dexidp-dex binds a session to a browser via signed
// state, adapted here to a long-lived device identity rather than a
// single-flow nonce.
package device

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/atproto-oauth/oauthcore/internal/ids"
)

// ErrInvalidDevice is returned when a presented device cookie doesn't verify.
var ErrInvalidDevice = errors.New("device: invalid or unknown device")

// Metadata captures request context bound to a device at creation time.
type Metadata struct {
	IP     string
	UA     string
	Locale string
}

// Record is the persisted device.
type Record struct {
	ID        string
	Secret    []byte // HMAC key bound to this device, never sent to the client in full.
	Metadata  Metadata
	CreatedAt time.Time
}

// Store is the persistence contract for devices.
type Store interface {
	CreateDevice(ctx context.Context, d Record) error
	GetDevice(ctx context.Context, id string) (Record, error)
}

var ErrNotFound = errors.New("device: not found")

const cookieName = "__device"

// Manager is the DeviceManager of the authorization core.
type Manager struct {
	store    Store
	now      func() time.Time
	secure   bool
	cookieTTL time.Duration
}

// New constructs a DeviceManager. secure controls the cookie's Secure flag
// (always true outside of local development).
func New(store Store, secure bool, cookieTTL time.Duration, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, now: now, secure: secure, cookieTTL: cookieTTL}
}

// Issue creates a new device record bound to md, sets the signed device
// cookie on w, and returns the new device id.
func (m *Manager) Issue(ctx context.Context, w http.ResponseWriter, md Metadata) (string, error) {
	rec := Record{
		ID:        ids.DeviceID(),
		Secret:    ids.Secret(32),
		Metadata:  md,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateDevice(ctx, rec); err != nil {
		return "", err
	}
	m.setCookie(w, rec)
	return rec.ID, nil
}

func (m *Manager) setCookie(w http.ResponseWriter, rec Record) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    rec.ID + "." + signMAC(rec),
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  m.now().Add(m.cookieTTL),
	})
}

func signMAC(rec Record) string {
	mac := hmac.New(sha256.New, rec.Secret)
	mac.Write([]byte(rec.ID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reads the device cookie from r, looks up the device, and confirms
// the signature matches the device's own secret. It never trusts the id
// alone: a forged cookie naming a real device id but lacking its secret's
// MAC is rejected.
func (m *Manager) Verify(ctx context.Context, r *http.Request) (string, error) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return "", ErrInvalidDevice
	}
	id, mac, ok := splitCookie(c.Value)
	if !ok {
		return "", ErrInvalidDevice
	}
	rec, err := m.store.GetDevice(ctx, id)
	if err != nil {
		return "", ErrInvalidDevice
	}
	want := signMAC(rec)
	if subtle.ConstantTimeCompare([]byte(mac), []byte(want)) != 1 {
		return "", ErrInvalidDevice
	}
	return rec.ID, nil
}

func splitCookie(v string) (id, mac string, ok bool) {
	for i := len(v) - 1; i >= 0; i-- {
		if v[i] == '.' {
			return v[:i], v[i+1:], true
		}
	}
	return "", "", false
}
