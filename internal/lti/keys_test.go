package lti_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"

	"github.com/kurswerk/kurswerk-lms/internal/lti"
)

func TestCurrentKeyGeneratesOnce(t *testing.T) {
	ctx := context.Background()
	km := &lti.KeyManager{Storage: lti.NewMemoryKeyStorage(), RSAKeyBits: 1024}

	a, err := km.CurrentKey(ctx)
	if err != nil {
		t.Fatalf("first current key: %v", err)
	}
	b, err := km.CurrentKey(ctx)
	if err != nil {
		t.Fatalf("second current key: %v", err)
	}
	if a.KID != b.KID {
		t.Fatalf("stable key regenerated: %q vs %q", a.KID, b.KID)
	}
}

func TestKeyRotationAndOverlap(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_760_000_000, 0).UTC()
	km := &lti.KeyManager{
		Storage:          lti.NewMemoryKeyStorage(),
		RSAKeyBits:       1024,
		RotationInterval: 24 * time.Hour,
		Overlap:          6 * time.Hour,
		Now:              func() time.Time { return now },
	}

	first, err := km.CurrentKey(ctx)
	if err != nil {
		t.Fatalf("first key: %v", err)
	}

	// Past NotAfter: a new key takes over, the old one stays published.
	now = now.Add(25 * time.Hour)
	second, err := km.CurrentKey(ctx)
	if err != nil {
		t.Fatalf("rotated key: %v", err)
	}
	if second.KID == first.KID {
		t.Fatal("key not rotated after interval")
	}

	jwks, err := km.PublicJWKS(ctx)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if !hasKID(jwks, first.KID) || !hasKID(jwks, second.KID) {
		t.Fatalf("jwks during overlap missing a key: %v", kids(jwks))
	}

	// Past the overlap window the retired key disappears.
	now = now.Add(7 * time.Hour)
	jwks, err = km.PublicJWKS(ctx)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if hasKID(jwks, first.KID) {
		t.Fatal("retired key still published after overlap")
	}
	if !hasKID(jwks, second.KID) {
		t.Fatal("active key missing from jwks")
	}
}

func TestPublicJWKSByteStable(t *testing.T) {
	ctx := context.Background()
	km := &lti.KeyManager{Storage: lti.NewMemoryKeyStorage()}

	// Two live keys, as during a rotation overlap. Repeated reads must
	// produce identical documents or ETag-based conditional GETs break.
	for _, kid := range []string{"rollover-b", "rollover-a"} {
		der := x509.MarshalPKCS1PrivateKey(mustRSAKey(t))
		pemText := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
		if err := km.SeedPEM(ctx, kid, pemText); err != nil {
			t.Fatalf("seed %s: %v", kid, err)
		}
	}

	first, err := km.PublicJWKS(ctx)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if len(first.Keys) != 2 {
		t.Fatalf("published %d keys, want 2", len(first.Keys))
	}
	want, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 50; i++ {
		jwks, err := km.PublicJWKS(ctx)
		if err != nil {
			t.Fatalf("jwks #%d: %v", i, err)
		}
		got, err := json.Marshal(jwks)
		if err != nil {
			t.Fatalf("marshal #%d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("jwks document changed between reads:\n%s\n%s", want, got)
		}
	}
}

func TestSeedPEM(t *testing.T) {
	ctx := context.Background()
	key := mustRSAKey(t)
	der := x509.MarshalPKCS1PrivateKey(key)
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))

	km := &lti.KeyManager{Storage: lti.NewMemoryKeyStorage()}
	if err := km.SeedPEM(ctx, "op-key-1", pemText); err != nil {
		t.Fatalf("seed pem: %v", err)
	}

	rec, err := km.CurrentKey(ctx)
	if err != nil {
		t.Fatalf("current key: %v", err)
	}
	if rec.KID != "op-key-1" {
		t.Fatalf("kid = %q, want op-key-1", rec.KID)
	}
	if rec.Key.PublicKey.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatal("seeded key does not match input material")
	}
}

func TestSeedPEMBase64Wrapped(t *testing.T) {
	ctx := context.Background()
	key := mustRSAKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	wrapped := base64.StdEncoding.EncodeToString(pemBytes)

	km := &lti.KeyManager{Storage: lti.NewMemoryKeyStorage()}
	if err := km.SeedPEM(ctx, "", wrapped); err != nil {
		t.Fatalf("seed base64 pem: %v", err)
	}
	rec, err := km.CurrentKey(ctx)
	if err != nil {
		t.Fatalf("current key: %v", err)
	}
	if rec.KID == "" {
		t.Fatal("derived kid is empty")
	}
}

func TestSeedPEMRejectsGarbage(t *testing.T) {
	km := &lti.KeyManager{Storage: lti.NewMemoryKeyStorage()}
	for _, material := range []string{"", "not a key", "-----BEGIN NOTHING-----"} {
		if err := km.SeedPEM(context.Background(), "k", material); err == nil {
			t.Errorf("accepted key material %q", material)
		}
	}
}

func hasKID(j lti.JWKS, kid string) bool {
	for _, k := range j.Keys {
		if k["kid"] == kid {
			return true
		}
	}
	return false
}

func kids(j lti.JWKS) []any {
	out := make([]any, 0, len(j.Keys))
	for _, k := range j.Keys {
		out = append(out, k["kid"])
	}
	return out
}
