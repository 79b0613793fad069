package client

import (
	"crypto"
	"encoding/base64"
)

// jwkThumbprintHash is SHA-256 per RFC 7638, the thumbprint algorithm DPoP
// and this package use throughout for "jkt" computation.
const jwkThumbprintHash = crypto.SHA256

func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
