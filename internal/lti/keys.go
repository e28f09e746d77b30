package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

/*
Key manager for the tool's own signing keys.

The manager generates RSA-2048 keys, rotates them on an interval, and keeps
old keys visible in the published JWKS for an overlap window so platforms can
still verify responses signed near the end of a key's life. Keys can also be
seeded from PEM material supplied by the operator.
*/

var ErrNoActiveKey = errors.New("lti: no active signing key")

// KeyRecord holds one tool signing key and its lifecycle window.
type KeyRecord struct {
	KID       string
	CreatedAt time.Time
	NotBefore time.Time
	NotAfter  time.Time // stop signing new tokens after this
	Key       *rsa.PrivateKey
}

// IsActive returns true when 'now' is within [NotBefore, NotAfter).
func (k KeyRecord) IsActive(now time.Time) bool {
	return !now.Before(k.NotBefore) && now.Before(k.NotAfter)
}

// KeyStorage persists tool keys. Provide a durable implementation for prod.
type KeyStorage interface {
	List(ctx context.Context) ([]KeyRecord, error)
	Save(ctx context.Context, rec KeyRecord) error
}

// MemoryKeyStorage is process-local storage (dev/tests).
type MemoryKeyStorage struct {
	mu   sync.RWMutex
	keys map[string]KeyRecord
}

func NewMemoryKeyStorage() *MemoryKeyStorage {
	return &MemoryKeyStorage{keys: make(map[string]KeyRecord)}
}

func (s *MemoryKeyStorage) List(_ context.Context) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KeyRecord, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

func (s *MemoryKeyStorage) Save(_ context.Context, rec KeyRecord) error {
	if strings.TrimSpace(rec.KID) == "" || rec.Key == nil {
		return errors.New("lti: kid and key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[rec.KID] = rec
	return nil
}

// KeyManager picks the current signing key and builds the public JWKS.
type KeyManager struct {
	Storage KeyStorage

	RSAKeyBits       int           // default 2048
	RotationInterval time.Duration // default 90 days
	Overlap          time.Duration // default 7 days (JWKS visibility past NotAfter)

	Now func() time.Time

	mu sync.Mutex // serializes rotations
}

// CurrentKey returns an active key for signing, generating one if needed.
func (km *KeyManager) CurrentKey(ctx context.Context) (KeyRecord, error) {
	if km.Storage == nil {
		return KeyRecord{}, errors.New("lti: key storage not configured")
	}
	km.mu.Lock()
	defer km.mu.Unlock()

	keys, err := km.Storage.List(ctx)
	if err != nil {
		return KeyRecord{}, err
	}
	sortKeyRecords(keys)
	now := km.now()
	for i := range keys {
		if keys[i].IsActive(now) {
			return keys[i], nil
		}
	}

	rec, err := km.generateKey(now)
	if err != nil {
		return KeyRecord{}, err
	}
	if err := km.Storage.Save(ctx, rec); err != nil {
		return KeyRecord{}, err
	}
	return rec, nil
}

// PublicJWKS implements JWKSProvider. Keys stay published for Overlap past
// NotAfter so in-flight tokens remain verifiable during rollover.
func (km *KeyManager) PublicJWKS(ctx context.Context) (JWKS, error) {
	if km.Storage == nil {
		return JWKS{}, errors.New("lti: key storage not configured")
	}
	keys, err := km.Storage.List(ctx)
	if err != nil {
		return JWKS{}, err
	}
	sortKeyRecords(keys)
	now := km.now()
	var jwks JWKS
	for _, k := range keys {
		if now.Before(k.NotBefore) || now.After(k.NotAfter.Add(km.overlap())) {
			continue
		}
		if jwkMap := RSAPublicJWK(&k.Key.PublicKey, k.KID); jwkMap != nil {
			jwks.Keys = append(jwks.Keys, jwkMap)
		}
	}
	if jwks.Keys == nil {
		jwks.Keys = []map[string]any{}
	}
	return jwks, nil
}

// sortKeyRecords orders storage listings by NotBefore then kid. Storage
// backends make no ordering promise, and the JWKS document (and its ETag)
// must be byte-stable across requests for conditional GETs to work.
func sortKeyRecords(keys []KeyRecord) {
	sort.SliceStable(keys, func(i, j int) bool {
		if !keys[i].NotBefore.Equal(keys[j].NotBefore) {
			return keys[i].NotBefore.Before(keys[j].NotBefore)
		}
		return keys[i].KID < keys[j].KID
	})
}

// SeedPEM loads an operator-provided private key. Accepts PKCS#1 or PKCS#8
// PEM, optionally base64-wrapped (CI-friendly). Empty kid derives one.
func (km *KeyManager) SeedPEM(ctx context.Context, kid, pemMaterial string) error {
	if km.Storage == nil {
		return errors.New("lti: key storage not configured")
	}
	key, err := parseRSAPrivatePEM(pemMaterial)
	if err != nil {
		return err
	}
	if strings.TrimSpace(kid) == "" {
		kid = makeKID(&key.PublicKey)
	}
	now := km.now()
	return km.Storage.Save(ctx, KeyRecord{
		KID:       kid,
		CreatedAt: now,
		NotBefore: now,
		NotAfter:  now.Add(km.rotateEvery()),
		Key:       key,
	})
}

func (km *KeyManager) generateKey(now time.Time) (KeyRecord, error) {
	bits := km.RSAKeyBits
	if bits <= 0 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("lti: rsa generate: %w", err)
	}
	return KeyRecord{
		KID:       makeKID(&priv.PublicKey),
		CreatedAt: now,
		NotBefore: now,
		NotAfter:  now.Add(km.rotateEvery()),
		Key:       priv,
	}, nil
}

func (km *KeyManager) now() time.Time {
	if km.Now != nil {
		return km.Now()
	}
	return time.Now().UTC()
}

func (km *KeyManager) rotateEvery() time.Duration {
	if km.RotationInterval > 0 {
		return km.RotationInterval
	}
	return 90 * 24 * time.Hour
}

func (km *KeyManager) overlap() time.Duration {
	if km.Overlap > 0 {
		return km.Overlap
	}
	return 7 * 24 * time.Hour
}

// makeKID derives a kid from the public key material plus a random suffix so
// re-seeding the same key in two deployments cannot collide.
func makeKID(pub *rsa.PublicKey) string {
	h := sha256.New()
	h.Write(pub.N.Bytes())
	sum := h.Sum(nil)
	suffix := uuid.NewString()
	return "rsa-" + hex.EncodeToString(sum[:6]) + "-" + suffix[:8]
}

func parseRSAPrivatePEM(material string) (*rsa.PrivateKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, errors.New("lti: empty key material")
	}
	raw := []byte(material)
	if !strings.Contains(material, "-----BEGIN") {
		der, err := base64.StdEncoding.DecodeString(material)
		if err != nil {
			return nil, fmt.Errorf("lti: key material is neither PEM nor base64: %w", err)
		}
		raw = der
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("lti: no PEM block in key material")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("lti: parse private key: %w", err)
	}
	rk, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("lti: private key is not RSA")
	}
	return rk, nil
}
