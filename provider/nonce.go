package provider

import (
	"net/http"
	"sync"

	"github.com/atproto-oauth/oauthcore/dpop"
)

// nonceRotator hands out the single currently-valid DPoP-Nonce value and
// rotates it after use (spec §6: "each OAuth response may include a fresh
// DPoP-Nonce header; subsequent proofs must echo the most recent"). A
// server restart or multi-instance deployment simply starts a fresh chain;
// clients that echo a stale nonce get a new one back via the 400
// use_dpop_nonce flow, same as RFC 9449 describes.
type nonceRotator struct {
	mu      sync.Mutex
	current string
}

func newNonceRotator() *nonceRotator {
	return &nonceRotator{current: dpop.NewNonce()}
}

// expected returns the nonce a proof presented right now must echo.
func (n *nonceRotator) expected() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// rotate issues a fresh nonce and sets it on the response's DPoP-Nonce
// header, exposed via CORS so cross-origin clients can read it.
func (n *nonceRotator) rotate(w http.ResponseWriter) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = dpop.NewNonce()
	w.Header().Set("DPoP-Nonce", n.current)
	w.Header().Add("Access-Control-Expose-Headers", "DPoP-Nonce")
	return n.current
}
