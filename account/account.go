// Package account implements the AccountManager: credential check,
// sign-in/sign-up, per-device account listing, and authorized-client
// tracking (spec §3 "Account", §4 AccountManager). Credential hashing
// follows dexidp-dex's use of golang.org/x/crypto/bcrypt
// (server/api.go, server/passwordchangehandler.go).
package account

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/atproto-oauth/oauthcore/internal/ids"
)

var (
	// ErrInvalidCredentials is returned for any sign-in failure. The message
	// is intentionally uninformative: it must not reveal whether the handle
	// or the password was wrong.
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	// ErrHandleTaken is returned by CreateAccount on a duplicate handle.
	ErrHandleTaken = errors.New("account: handle already in use")
	ErrNotFound    = errors.New("account: not found")
)

// Account is the spec's stable-subject identity record.
type Account struct {
	Sub               string
	PreferredUsername string
	Aud               string
}

// DeviceAccountInfo is the per (device, account) binding the spec requires
// for session-eligibility and consent decisions.
type DeviceAccountInfo struct {
	AuthenticatedAt  time.Time
	AuthorizedClients map[string]bool
}

// Store is the persistence contract for accounts, credentials, and their
// per-device bindings.
type Store interface {
	CreateAccount(ctx context.Context, a Account, passwordHash []byte) error
	GetAccountByHandle(ctx context.Context, handle string) (Account, []byte, error)
	GetAccount(ctx context.Context, sub string) (Account, error)
	HandleTaken(ctx context.Context, handle string) (bool, error)

	GetDeviceAccountInfo(ctx context.Context, deviceID, sub string) (DeviceAccountInfo, error)
	// UpdateDeviceAccountInfo performs a read-modify-write of the binding;
	// updater may be invoked more than once under contention, matching the
	// pattern dexidp-dex's storage.Storage.UpdateClient documents.
	UpdateDeviceAccountInfo(ctx context.Context, deviceID, sub string, updater func(DeviceAccountInfo) (DeviceAccountInfo, error)) error
	ListAccountsForDevice(ctx context.Context, deviceID string) ([]string, error)
}

// Manager is the AccountManager of the authorization core.
type Manager struct {
	store Store
	now   func() time.Time
}

func New(store Store, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, now: now}
}

// SignIn verifies a handle/password pair and, on success, records the
// device-account binding's authenticatedAt.
func (m *Manager) SignIn(ctx context.Context, deviceID, handle, password string) (Account, error) {
	acct, hash, err := m.store.GetAccountByHandle(ctx, handle)
	if err != nil {
		// Still run bcrypt against a fixed dummy hash so that handle
		// enumeration can't be distinguished by timing.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}

	if err := m.store.UpdateDeviceAccountInfo(ctx, deviceID, acct.Sub, func(info DeviceAccountInfo) (DeviceAccountInfo, error) {
		info.AuthenticatedAt = m.now()
		if info.AuthorizedClients == nil {
			info.AuthorizedClients = map[string]bool{}
		}
		return info, nil
	}); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// SignUp creates a new account with a bcrypt-hashed password and binds it
// to deviceID as freshly authenticated.
func (m *Manager) SignUp(ctx context.Context, deviceID, handle, preferredUsername, password string) (Account, error) {
	taken, err := m.store.HandleTaken(ctx, handle)
	if err != nil {
		return Account{}, err
	}
	if taken {
		return Account{}, ErrHandleTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, err
	}
	acct := Account{Sub: newSub(), PreferredUsername: preferredUsername}
	if err := m.store.CreateAccount(ctx, acct, hash); err != nil {
		return Account{}, err
	}
	if err := m.store.UpdateDeviceAccountInfo(ctx, deviceID, acct.Sub, func(info DeviceAccountInfo) (DeviceAccountInfo, error) {
		info.AuthenticatedAt = m.now()
		info.AuthorizedClients = map[string]bool{}
		return info, nil
	}); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// HandleAvailable reports whether handle is free to register.
func (m *Manager) HandleAvailable(ctx context.Context, handle string) (bool, error) {
	taken, err := m.store.HandleTaken(ctx, handle)
	return !taken, err
}

// ListForDevice returns the accounts with an existing SSO session on this
// device, for account-selection prompts.
func (m *Manager) ListForDevice(ctx context.Context, deviceID string) ([]Account, error) {
	subs, err := m.store.ListAccountsForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(subs))
	for _, sub := range subs {
		acct, err := m.store.GetAccount(ctx, sub)
		if err != nil {
			continue
		}
		out = append(out, acct)
	}
	return out, nil
}

// SessionInfo reports the device-account binding used to decide prompt
// semantics (spec §4.5): authenticatedAt for freshness, and whether this
// client id has already been consented to.
func (m *Manager) SessionInfo(ctx context.Context, deviceID, sub string) (DeviceAccountInfo, error) {
	return m.store.GetDeviceAccountInfo(ctx, deviceID, sub)
}

// AuthorizeClient records that sub has granted consent to clientID on this
// device, so future requests skip the consent screen. Per spec §9 Open
// Questions, consent is tracked per-client, not per-scope: granting any
// scope marks the client fully authorized for subsequent requests.
func (m *Manager) AuthorizeClient(ctx context.Context, deviceID, sub, clientID string) error {
	return m.store.UpdateDeviceAccountInfo(ctx, deviceID, sub, func(info DeviceAccountInfo) (DeviceAccountInfo, error) {
		if info.AuthorizedClients == nil {
			info.AuthorizedClients = map[string]bool{}
		}
		info.AuthorizedClients[clientID] = true
		return info, nil
	})
}

// dummyHash is a fixed bcrypt hash compared against on a missing account so
// that GetAccountByHandle misses and password mismatches take statistically
// indistinguishable time.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

func newSub() string {
	return "sub_" + ids.New(16)
}
