// Package memory provides a single in-process implementation of every
// Store/Catalog interface the authorization core defines (replay, device,
// account, client, request, token), the same mutex+map shape dexidp-dex's
// storage/memory package uses for its one storage.Storage interface,
// generalized here to several small interfaces instead of one large one.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atproto-oauth/oauthcore/account"
	"github.com/atproto-oauth/oauthcore/client"
	"github.com/atproto-oauth/oauthcore/device"
	"github.com/atproto-oauth/oauthcore/replay"
	"github.com/atproto-oauth/oauthcore/request"
	"github.com/atproto-oauth/oauthcore/token"
)

// Store is an in-memory, process-wide backing store satisfying every
// manager's persistence contract. It is intended for development and
// testing; every map is protected by a single mutex, so it does not scale
// beyond one process, matching dex's memStorage's own stated scope.
type Store struct {
	mu sync.Mutex

	replay map[string]replayRecord

	devices map[string]device.Record

	accounts       map[string]account.Account
	accountByHandle map[string]string // handle -> sub
	passwords      map[string][]byte  // sub -> bcrypt hash
	deviceAccounts map[deviceAccountKey]account.DeviceAccountInfo
	devicesBySub   map[string]map[string]bool // sub -> set of device ids

	clients map[string]client.Client

	requests     map[string]request.Record
	requestsByCode map[string]string // code -> uri

	tokens        map[string]token.Record
	tokensByLineage map[string]map[string]bool // lineageID -> set of token ids
}

type replayRecord struct {
	seenAt time.Time
	expiry time.Time
}

type deviceAccountKey struct {
	deviceID string
	sub      string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		replay:          make(map[string]replayRecord),
		devices:         make(map[string]device.Record),
		accounts:        make(map[string]account.Account),
		accountByHandle: make(map[string]string),
		passwords:       make(map[string][]byte),
		deviceAccounts:  make(map[deviceAccountKey]account.DeviceAccountInfo),
		devicesBySub:    make(map[string]map[string]bool),
		clients:         make(map[string]client.Client),
		requests:        make(map[string]request.Record),
		requestsByCode:  make(map[string]string),
		tokens:          make(map[string]token.Record),
		tokensByLineage: make(map[string]map[string]bool),
	}
}

func (s *Store) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

// GCResult reports how many expired records a GarbageCollect pass removed,
// mirroring dex's storage.GCResult.
type GCResult struct {
	Replay   int
	Requests int
	Tokens   int
}

// GarbageCollect sweeps every namespace for records expired as of now. The
// core never depends on this running (every Get path checks expiry itself),
// it only bounds memory.
func (s *Store) GarbageCollect(ctx context.Context, now time.Time) (result GCResult, err error) {
	s.tx(func() {
		for k, r := range s.replay {
			if now.After(r.expiry) {
				delete(s.replay, k)
				result.Replay++
			}
		}
		for uri, r := range s.requests {
			if now.After(r.ExpiresAt) {
				delete(s.requests, uri)
				if r.Code != "" {
					delete(s.requestsByCode, r.Code)
				}
				result.Requests++
			}
		}
		for id, r := range s.tokens {
			if now.After(r.ExpiresAt) {
				delete(s.tokens, id)
				if set := s.tokensByLineage[r.LineageID]; set != nil {
					delete(set, id)
					if len(set) == 0 {
						delete(s.tokensByLineage, r.LineageID)
					}
				}
				result.Tokens++
			}
		}
	})
	return result, nil
}

// --- replay.Store ---

var _ replay.Store = (*Store)(nil)

func (s *Store) Insert(ctx context.Context, namespace, key string, seenAt time.Time, ttl time.Duration) (bool, error) {
	full := namespace + "|" + key
	inserted := false
	s.tx(func() {
		if existing, ok := s.replay[full]; ok && seenAt.Before(existing.expiry) {
			return
		}
		s.replay[full] = replayRecord{seenAt: seenAt, expiry: seenAt.Add(ttl)}
		inserted = true
	})
	return inserted, nil
}

// --- device.Store ---

var _ device.Store = (*Store)(nil)

func (s *Store) CreateDevice(ctx context.Context, d device.Record) error {
	var err error
	s.tx(func() {
		if _, ok := s.devices[d.ID]; ok {
			err = fmt.Errorf("storage: device %s already exists", d.ID)
			return
		}
		s.devices[d.ID] = d
	})
	return err
}

func (s *Store) GetDevice(ctx context.Context, id string) (device.Record, error) {
	var rec device.Record
	var err error
	s.tx(func() {
		var ok bool
		if rec, ok = s.devices[id]; !ok {
			err = device.ErrNotFound
		}
	})
	return rec, err
}

// --- account.Store ---

var _ account.Store = (*Store)(nil)

func (s *Store) CreateAccount(ctx context.Context, a account.Account, passwordHash []byte) error {
	var err error
	s.tx(func() {
		if _, ok := s.accounts[a.Sub]; ok {
			err = fmt.Errorf("storage: account %s already exists", a.Sub)
			return
		}
		s.accounts[a.Sub] = a
		s.passwords[a.Sub] = passwordHash
		s.accountByHandle[strings.ToLower(a.PreferredUsername)] = a.Sub
	})
	return err
}

func (s *Store) GetAccountByHandle(ctx context.Context, handle string) (account.Account, []byte, error) {
	var a account.Account
	var hash []byte
	var err error
	s.tx(func() {
		sub, ok := s.accountByHandle[strings.ToLower(handle)]
		if !ok {
			err = account.ErrNotFound
			return
		}
		a = s.accounts[sub]
		hash = s.passwords[sub]
	})
	return a, hash, err
}

func (s *Store) GetAccount(ctx context.Context, sub string) (account.Account, error) {
	var a account.Account
	var err error
	s.tx(func() {
		var ok bool
		if a, ok = s.accounts[sub]; !ok {
			err = account.ErrNotFound
		}
	})
	return a, err
}

func (s *Store) HandleTaken(ctx context.Context, handle string) (bool, error) {
	var taken bool
	s.tx(func() {
		_, taken = s.accountByHandle[strings.ToLower(handle)]
	})
	return taken, nil
}

func (s *Store) GetDeviceAccountInfo(ctx context.Context, deviceID, sub string) (account.DeviceAccountInfo, error) {
	var info account.DeviceAccountInfo
	var err error
	s.tx(func() {
		var ok bool
		if info, ok = s.deviceAccounts[deviceAccountKey{deviceID, sub}]; !ok {
			err = account.ErrNotFound
		}
	})
	return info, err
}

func (s *Store) UpdateDeviceAccountInfo(ctx context.Context, deviceID, sub string, updater func(account.DeviceAccountInfo) (account.DeviceAccountInfo, error)) error {
	var err error
	s.tx(func() {
		key := deviceAccountKey{deviceID, sub}
		info := s.deviceAccounts[key]
		if info, err = updater(info); err == nil {
			s.deviceAccounts[key] = info
			if s.devicesBySub[sub] == nil {
				s.devicesBySub[sub] = make(map[string]bool)
			}
			s.devicesBySub[sub][deviceID] = true
		}
	})
	return err
}

func (s *Store) ListAccountsForDevice(ctx context.Context, deviceID string) ([]string, error) {
	var subs []string
	s.tx(func() {
		for sub, devices := range s.devicesBySub {
			if devices[deviceID] {
				subs = append(subs, sub)
			}
		}
	})
	return subs, nil
}

// --- client.Catalog ---

var _ client.Catalog = (*Store)(nil)

// RegisterClient adds or replaces a pre-registered client, the in-memory
// analogue of an admin-managed client registry.
func (s *Store) RegisterClient(c client.Client) {
	s.tx(func() { s.clients[c.ID] = c })
}

func (s *Store) Lookup(ctx context.Context, clientID string) (client.Client, bool, error) {
	var c client.Client
	var ok bool
	s.tx(func() { c, ok = s.clients[clientID] })
	return c, ok, nil
}

// --- request.Store ---

var _ request.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, rec request.Record) error {
	var err error
	s.tx(func() {
		if _, ok := s.requests[rec.URI]; ok {
			err = fmt.Errorf("storage: request %s already exists", rec.URI)
			return
		}
		s.requests[rec.URI] = rec
		if rec.Code != "" {
			s.requestsByCode[rec.Code] = rec.URI
		}
	})
	return err
}

func (s *Store) Get(ctx context.Context, uri string) (request.Record, error) {
	var rec request.Record
	var err error
	s.tx(func() {
		var ok bool
		if rec, ok = s.requests[uri]; !ok {
			err = request.ErrNotFound
		}
	})
	return rec, err
}

func (s *Store) GetByCode(ctx context.Context, code string) (request.Record, error) {
	var rec request.Record
	var err error
	s.tx(func() {
		uri, ok := s.requestsByCode[code]
		if !ok {
			err = request.ErrNotFound
			return
		}
		rec, ok = s.requests[uri]
		if !ok {
			err = request.ErrNotFound
		}
	})
	return rec, err
}

func (s *Store) Update(ctx context.Context, uri string, mutate func(request.Record) (request.Record, error)) (request.Record, error) {
	var rec request.Record
	var err error
	s.tx(func() {
		cur, ok := s.requests[uri]
		if !ok {
			err = request.ErrNotFound
			return
		}
		if rec, err = mutate(cur); err == nil {
			s.requests[uri] = rec
			if rec.Code != "" {
				s.requestsByCode[rec.Code] = uri
			}
		}
	})
	return rec, err
}

func (s *Store) Delete(ctx context.Context, uri string) error {
	s.tx(func() {
		if rec, ok := s.requests[uri]; ok {
			delete(s.requests, uri)
			if rec.Code != "" {
				delete(s.requestsByCode, rec.Code)
			}
		}
	})
	return nil
}

// --- token.Store ---
//
// token.Store declares Create/Get/Update method names that collide with
// request.Store's (different Record types), so it can't be satisfied
// directly by *Store alongside request.Store. Tokens() returns a thin view
// over the same locked maps that implements token.Store on its own type.

// TokenStore is *Store's token.Store view.
type TokenStore struct{ s *Store }

var _ token.Store = (*TokenStore)(nil)

// Tokens returns the token.Store view of s.
func (s *Store) Tokens() *TokenStore { return &TokenStore{s: s} }

func (t *TokenStore) Create(ctx context.Context, rec token.Record) error {
	s := t.s
	var err error
	s.tx(func() {
		if _, ok := s.tokens[rec.ID]; ok {
			err = fmt.Errorf("storage: token %s already exists", rec.ID)
			return
		}
		s.tokens[rec.ID] = rec
		if s.tokensByLineage[rec.LineageID] == nil {
			s.tokensByLineage[rec.LineageID] = make(map[string]bool)
		}
		s.tokensByLineage[rec.LineageID][rec.ID] = true
	})
	return err
}

func (t *TokenStore) Get(ctx context.Context, id string) (token.Record, error) {
	s := t.s
	var rec token.Record
	var err error
	s.tx(func() {
		var ok bool
		if rec, ok = s.tokens[id]; !ok {
			err = token.ErrNotFound
		}
	})
	return rec, err
}

func (t *TokenStore) Update(ctx context.Context, id string, mutate func(token.Record) (token.Record, error)) (token.Record, error) {
	s := t.s
	var rec token.Record
	var err error
	s.tx(func() {
		cur, ok := s.tokens[id]
		if !ok {
			err = token.ErrNotFound
			return
		}
		if rec, err = mutate(cur); err == nil {
			s.tokens[id] = rec
		}
	})
	return rec, err
}

func (t *TokenStore) RevokeLineage(ctx context.Context, lineageID string) error {
	s := t.s
	s.tx(func() {
		for id := range s.tokensByLineage[lineageID] {
			rec := s.tokens[id]
			rec.Revoked = true
			s.tokens[id] = rec
		}
	})
	return nil
}
