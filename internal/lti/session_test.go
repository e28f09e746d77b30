package lti_test

import (
	"context"
	"testing"
	"time"

	"github.com/kurswerk/kurswerk-lms/internal/lti"
)

func testPlatform() lti.Platform {
	return lti.Platform{
		ID:           "plat-1",
		Issuer:       "https://lms.example.edu",
		ClientID:     "kurswerk-tool",
		DeploymentID: "dep-1",
		AuthLoginURL: "https://lms.example.edu/oidc/auth",
		JWKSURL:      "https://lms.example.edu/.well-known/jwks.json",
		Active:       true,
	}
}

func resourceLinkClaims() lti.LaunchClaims {
	return lti.LaunchClaims{
		Issuer:         "https://lms.example.edu",
		Audience:       "kurswerk-tool",
		Subject:        "user-42",
		MessageType:    lti.MsgTypeResourceLink,
		Version:        lti.LTIVersion,
		DeploymentID:   "dep-1",
		ContextID:      "course-7",
		ResourceLinkID: "link-9",
		Custom:         map[string]string{"type": "topic", "topic_slug": "mathe-1"},
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := &lti.SessionManager{Store: lti.NewMemorySessionStore(), TTL: time.Hour}

	sess, err := m.Create(ctx, testPlatform(), resourceLinkClaims())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Token == "" {
		t.Fatal("empty session token")
	}
	if sess.UserID != "user-42" || sess.ContextID != "course-7" || sess.ResourceLinkID != "link-9" {
		t.Fatalf("session fields not copied from claims: %+v", sess)
	}

	got, err := m.GetByToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Claims.Subject != "user-42" {
		t.Fatalf("claims not round-tripped: %+v", got.Claims)
	}

	if err := m.Destroy(ctx, sess.Token); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	_, err = m.GetByToken(ctx, sess.Token)
	assertKind(t, err, lti.FailSessionExpired)

	// Destroying again is a no-op, not an error.
	if err := m.Destroy(ctx, sess.Token); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestSessionLazyExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := &lti.SessionManager{
		Store: lti.NewMemorySessionStore(),
		TTL:   time.Hour,
		Now:   func() time.Time { return now },
	}

	sess, err := m.Create(ctx, testPlatform(), resourceLinkClaims())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now = now.Add(59 * time.Minute)
	if _, err := m.GetByToken(ctx, sess.Token); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	now = now.Add(2 * time.Minute)
	_, err = m.GetByToken(ctx, sess.Token)
	assertKind(t, err, lti.FailSessionExpired)
}

func TestSessionEmptyToken(t *testing.T) {
	m := &lti.SessionManager{Store: lti.NewMemorySessionStore()}
	_, err := m.GetByToken(context.Background(), "")
	assertKind(t, err, lti.FailSessionExpired)
}

func TestSQLSessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := openTestDB(t)
	m := &lti.SessionManager{Store: lti.NewSQLSessionStore(h), TTL: time.Hour}

	claims := resourceLinkClaims()
	claims.Roles = []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"}
	sess, err := m.Create(ctx, testPlatform(), claims)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := m.GetByToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PlatformID != "plat-1" || got.UserID != "user-42" {
		t.Fatalf("row mismatch: %+v", got)
	}
	if len(got.Claims.Roles) != 1 || got.Claims.Custom["topic_slug"] != "mathe-1" {
		t.Fatalf("claims json mismatch: %+v", got.Claims)
	}

	if err := m.Destroy(ctx, sess.Token); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	_, err = m.GetByToken(ctx, sess.Token)
	assertKind(t, err, lti.FailSessionExpired)
}

func TestSQLSessionStoreExpiredInvisible(t *testing.T) {
	ctx := context.Background()
	h := openTestDB(t)
	store := lti.NewSQLSessionStore(h)

	// Seed a row that is already past its expiry.
	if _, err := h.ExecContext(ctx,
		`INSERT INTO lti_sessions (token, platform_id, user_id, context_id, resource_link_id, claims_json, expires_at)
		 VALUES ('stale','plat-1','u1','','','{}',$1)`,
		time.Now().Add(-time.Minute).Unix()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := &lti.SessionManager{Store: store}
	_, err := m.GetByToken(ctx, "stale")
	assertKind(t, err, lti.FailSessionExpired)
}

func assertKind(t *testing.T, err error, want lti.FailureKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("want failure kind %s, got nil error", want)
	}
	kind, ok := lti.KindOf(err)
	if !ok {
		t.Fatalf("want failure kind %s, got untyped error %v", want, err)
	}
	if kind != want {
		t.Fatalf("want failure kind %s, got %s (%v)", want, kind, err)
	}
}
