// Package ids generates the unguessable identifiers used throughout the
// authorization core: request URIs, codes, token ids, and device ids.
package ids

import (
	"crypto/rand"
	"encoding/base32"
	"io"
	"strings"
)

// lower-case base32 encoding (a-z, 2-7) so generated ids are safe in URLs, cookies,
// and case-insensitive stores alike. Mirrors the alphabet dex uses for the
// same reason (Kubernetes-safe resource names).
var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// New returns a cryptographically random identifier of the given byte length
// (pre-encoding), guaranteed to start with a letter.
func New(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return string(buf[0]%26+'a') + strings.TrimRight(encoding.EncodeToString(buf[1:]), "=")
}

// RequestURI returns an opaque urn:-prefixed request_uri per RFC 9126 §2.2.
func RequestURI() string {
	return "urn:ietf:params:oauth:request_uri:" + New(24)
}

// Code returns an opaque authorization code.
func Code() string {
	return New(24)
}

// TokenID returns an opaque token identifier, also usable as a JWT jti.
func TokenID() string {
	return New(20)
}

// DeviceID returns an opaque device identifier.
func DeviceID() string {
	return New(20)
}

// Secret returns random bytes suitable for an HMAC key or cookie secret.
func Secret(n int) []byte {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return buf
}
