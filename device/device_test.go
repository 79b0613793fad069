package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	devices map[string]Record
}

func newMemStore() *memStore { return &memStore{devices: map[string]Record{}} }

func (s *memStore) CreateDevice(ctx context.Context, d Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
	return nil
}

func (s *memStore) GetDevice(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return d, nil
}

func issueAndCapture(t *testing.T, m *Manager) (string, *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	id, err := m.Issue(context.Background(), rec, Metadata{IP: "127.0.0.1"})
	require.NoError(t, err)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return id, cookies[0]
}

func TestIssueAndVerify_RoundTrip(t *testing.T) {
	m := New(newMemStore(), true, time.Hour, nil)
	id, cookie := issueAndCapture(t, m)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	got, err := m.Verify(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestVerify_RejectsTamperedMAC(t *testing.T) {
	m := New(newMemStore(), true, time.Hour, nil)
	_, cookie := issueAndCapture(t, m)

	tampered := *cookie
	tampered.Value = cookie.Value[:len(cookie.Value)-2] + "xx"

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&tampered)

	_, err := m.Verify(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidDevice)
}

func TestVerify_RejectsUnknownDevice(t *testing.T) {
	store := newMemStore()
	m := New(store, true, time.Hour, nil)
	_, cookie := issueAndCapture(t, m)

	// Forge a cookie for a device id that was never created.
	forged := *cookie
	forged.Value = "forged-device-id." + cookie.Value[len(cookie.Value)-10:]

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&forged)

	_, err := m.Verify(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidDevice)
}

func TestVerify_MissingCookie(t *testing.T) {
	m := New(newMemStore(), true, time.Hour, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := m.Verify(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidDevice)
}

func TestVerify_MalformedCookieNoSeparator(t *testing.T) {
	m := New(newMemStore(), true, time.Hour, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: "no-dot-in-here"})

	_, err := m.Verify(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidDevice)
}
