// Package signer provides the issuer's JWT signing/verification capability,
// the single external collaborator the core trusts for cryptographic
// operations (spec §1, out of scope beyond this interface). Grounded on
// dexidp-dex's signer.Signer and server/rotation.go key rotation.
package signer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// ErrNoKey is returned when no signing key is configured.
var ErrNoKey = errors.New("signer: no signing key available")

// Signer signs and verifies compact JWS on behalf of the issuer, and
// publishes the current and recently-rotated-out public keys as a JWKS.
type Signer interface {
	// Sign serializes claims as JSON and returns a compact JWS signed with
	// the current signing key.
	Sign(claims any) (jws string, kid string, err error)

	// Verify checks a compact JWS against the current and recently-rotated
	// verification keys, returning the decoded payload.
	Verify(ctx context.Context, compact string) (payload []byte, kid string, err error)

	// PublicJWKS returns the current public JWKS (signing key plus any
	// still-valid verification keys), safe to serve at /oauth/jwks.
	PublicJWKS() jose.JSONWebKeySet

	// Issuer returns the issuer URL used in the `iss` claim.
	Issuer() string

	// RotateNow forces a key rotation outside the normal schedule.
	RotateNow() error
}

type verificationKey struct {
	public *jose.JSONWebKey
	expiry time.Time
}

// rsaSigner is the reference Signer implementation: RSA-2048 keys rotated on
// a schedule, mirroring dex's defaultRotationStrategy/keyRotator but held
// in-process rather than arbitrated across replicas via storage, since key
// material ownership here is a single-process concern (spec: the signer is
// a capability, not a store).
type rsaSigner struct {
	mu sync.RWMutex

	issuer string
	now    func() time.Time

	signingKey    *rsa.PrivateKey
	signingKeyJWK *jose.JSONWebKey
	verification  []verificationKey

	rotateEvery  time.Duration
	keepVerifyFor time.Duration
}

// New constructs a Signer that rotates its RSA signing key every rotateEvery,
// retaining rotated-out public keys for keepVerifyFor so in-flight tokens
// signed just before rotation still verify.
func New(issuer string, rotateEvery, keepVerifyFor time.Duration, now func() time.Time) (Signer, error) {
	if now == nil {
		now = time.Now
	}
	s := &rsaSigner{
		issuer:        issuer,
		now:           now,
		rotateEvery:   rotateEvery,
		keepVerifyFor: keepVerifyFor,
	}
	if err := s.RotateNow(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *rsaSigner) Issuer() string { return s.issuer }

func (s *rsaSigner) RotateNow() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("signer: generating key: %w", err)
	}
	jwk := &jose.JSONWebKey{Key: key, KeyID: newKID(), Algorithm: string(jose.RS256), Use: "sig"}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signingKeyJWK != nil {
		pub := s.signingKeyJWK.Public()
		s.verification = append(s.verification, verificationKey{
			public: &pub,
			expiry: s.now().Add(s.keepVerifyFor),
		})
	}
	s.signingKey = key
	s.signingKeyJWK = jwk
	s.pruneLocked()
	return nil
}

func (s *rsaSigner) pruneLocked() {
	now := s.now()
	kept := s.verification[:0]
	for _, v := range s.verification {
		if now.Before(v.expiry) {
			kept = append(kept, v)
		}
	}
	s.verification = kept
}

func (s *rsaSigner) Sign(claims any) (string, string, error) {
	s.mu.RLock()
	key := s.signingKeyJWK
	s.mu.RUnlock()
	if key == nil {
		return "", "", ErrNoKey
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithHeader("kid", key.KeyID))
	if err != nil {
		return "", "", fmt.Errorf("signer: new signer: %w", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", "", fmt.Errorf("signer: marshal claims: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", "", fmt.Errorf("signer: sign: %w", err)
	}
	compact, err := sig.CompactSerialize()
	if err != nil {
		return "", "", err
	}
	return compact, key.KeyID, nil
}

func (s *rsaSigner) Verify(_ context.Context, compact string) ([]byte, string, error) {
	jws, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, "", fmt.Errorf("signer: parse: %w", err)
	}

	s.mu.Lock()
	s.pruneLocked()
	candidates := make([]*jose.JSONWebKey, 0, len(s.verification)+1)
	if s.signingKeyJWK != nil {
		pub := s.signingKeyJWK.Public()
		candidates = append(candidates, &pub)
	}
	for _, v := range s.verification {
		candidates = append(candidates, v.public)
	}
	s.mu.Unlock()

	var kid string
	for _, sig := range jws.Signatures {
		kid = sig.Header.KeyID
		break
	}

	for _, key := range candidates {
		if kid != "" && key.KeyID != kid {
			continue
		}
		if payload, err := jws.Verify(key); err == nil {
			return payload, key.KeyID, nil
		}
	}
	return nil, "", errors.New("signer: signature verification failed")
}

func (s *rsaSigner) PublicJWKS() jose.JSONWebKeySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	set := jose.JSONWebKeySet{}
	if s.signingKeyJWK != nil {
		set.Keys = append(set.Keys, s.signingKeyJWK.Public())
	}
	for _, v := range s.verification {
		set.Keys = append(set.Keys, *v.public)
	}
	return set
}

// StartRotation spawns a goroutine rotating the signing key on schedule
// until ctx is canceled, mirroring dex's startKeyRotation.
func (s *rsaSigner) StartRotation(ctx context.Context) {
	if s.rotateEvery <= 0 {
		return
	}
	ticker := time.NewTicker(s.rotateEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.RotateNow()
			}
		}
	}()
}

// StartRotation exposes rotation scheduling on the concrete type since it's
// not part of every Signer's contract (a static-key signer in tests need
// not rotate at all).
func StartRotation(s Signer, ctx context.Context) {
	if r, ok := s.(*rsaSigner); ok {
		r.StartRotation(ctx)
	}
}

var kidCounter uint64
var kidMu sync.Mutex

func newKID() string {
	kidMu.Lock()
	defer kidMu.Unlock()
	kidCounter++
	return fmt.Sprintf("k%d-%d", time.Now().UnixNano(), kidCounter)
}
