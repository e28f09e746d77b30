package lti_test

import (
	"context"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kurswerk/kurswerk-lms/internal/lti"
)

// launchEnv wires a validator against an in-memory registry and a fake
// platform JWKS endpoint.
type launchEnv struct {
	key       *rsa.PrivateKey
	kid       string
	srv       *jwksServer
	platform  lti.Platform
	states    *lti.MemoryReplayStore
	nonces    *lti.MemoryReplayStore
	validator *lti.Validator
}

func newLaunchEnv(t *testing.T) *launchEnv {
	t.Helper()
	key := mustRSAKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PrivateKey{"platform-kid": key})

	platform := testPlatform()
	platform.JWKSURL = srv.srv.URL

	states := lti.NewMemoryReplayStore()
	nonces := lti.NewMemoryReplayStore()
	env := &launchEnv{
		key:      key,
		kid:      "platform-kid",
		srv:      srv,
		platform: platform,
		states:   states,
		nonces:   nonces,
		validator: &lti.Validator{
			Platforms: lti.NewMemoryPlatformStore(platform),
			Keys:      lti.NewKeyResolver(),
			Nonces:    nonces,
			States:    states,
		},
	}
	return env
}

// handshake issues a state and nonce the way the login handler would.
func (e *launchEnv) handshake(t *testing.T) (state, nonce string) {
	t.Helper()
	state, err := e.states.Issue(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	nonce, err = e.nonces.Issue(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	return state, nonce
}

func baseClaims(p lti.Platform, nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":              p.Issuer,
		"aud":              p.ClientID,
		"sub":              "user-42",
		"nonce":            nonce,
		"iat":              now.Unix(),
		"exp":              now.Add(time.Hour).Unix(),
		lti.ClaimMessageType: lti.MsgTypeResourceLink,
		lti.ClaimVersion:     lti.LTIVersion,
		lti.ClaimDeployment:  p.DeploymentID,
		lti.ClaimTarget:      "https://tool.example.com/lti/launch",
		lti.ClaimContext:     map[string]any{"id": "course-7", "title": "Analysis I"},
		lti.ClaimResource:    map[string]any{"id": "link-9"},
		lti.ClaimRoles: []any{
			"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner",
		},
		lti.ClaimCustom: map[string]any{"type": "topic", "topic_slug": "mathe-1"},
	}
}

func (e *launchEnv) signWith(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func (e *launchEnv) sign(t *testing.T, claims jwt.MapClaims) string {
	return e.signWith(t, e.key, e.kid, claims)
}

func TestValidateResourceLinkLaunch(t *testing.T) {
	ctx := context.Background()
	env := newLaunchEnv(t)
	state, nonce := env.handshake(t)

	token := env.sign(t, baseClaims(env.platform, nonce))
	claims, platform, err := env.validator.Validate(ctx, token, state)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if platform.ID != env.platform.ID {
		t.Fatalf("resolved wrong platform: %+v", platform)
	}
	if claims.Subject != "user-42" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if claims.Audience != env.platform.ClientID {
		t.Errorf("audience not normalized: %q", claims.Audience)
	}
	if claims.ContextID != "course-7" || claims.ContextTitle != "Analysis I" {
		t.Errorf("context claims: %+v", claims)
	}
	if claims.ResourceLinkID != "link-9" {
		t.Errorf("resource link id = %q", claims.ResourceLinkID)
	}
	if claims.Custom["topic_slug"] != "mathe-1" {
		t.Errorf("custom claims: %v", claims.Custom)
	}
	if claims.IsDeepLinkingRequest() {
		t.Error("resource link launch classified as deep linking")
	}
}

func TestValidateDeepLinkingRequest(t *testing.T) {
	ctx := context.Background()
	env := newLaunchEnv(t)
	state, nonce := env.handshake(t)

	c := baseClaims(env.platform, nonce)
	c[lti.ClaimMessageType] = lti.MsgTypeDeepLinkingRequest
	c[lti.ClaimDLSettings] = map[string]any{
		"deep_link_return_url": "https://lms.example.edu/dl/return",
		"data":                 "opaque-platform-state",
	}
	delete(c, lti.ClaimResource)

	claims, _, err := env.validator.Validate(ctx, env.sign(t, c), state)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !claims.IsDeepLinkingRequest() {
		t.Fatal("deep linking request not classified")
	}
	if claims.DeepLinkReturnURL != "https://lms.example.edu/dl/return" {
		t.Errorf("return url = %q", claims.DeepLinkReturnURL)
	}
	if claims.DeepLinkData != "opaque-platform-state" {
		t.Errorf("dl data = %q", claims.DeepLinkData)
	}
}

func TestValidateStateSingleUse(t *testing.T) {
	ctx := context.Background()
	env := newLaunchEnv(t)
	state, nonce := env.handshake(t)
	token := env.sign(t, baseClaims(env.platform, nonce))

	if _, _, err := env.validator.Validate(ctx, token, state); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	_, _, err := env.validator.Validate(ctx, token, state)
	assertKind(t, err, lti.FailInvalidState)
}

func TestValidateNonceReplay(t *testing.T) {
	ctx := context.Background()
	env := newLaunchEnv(t)
	state1, nonce := env.handshake(t)
	token := env.sign(t, baseClaims(env.platform, nonce))

	if _, _, err := env.validator.Validate(ctx, token, state1); err != nil {
		t.Fatalf("first validate: %v", err)
	}

	// Same token replayed with a fresh, valid state: the nonce must stop it.
	state2, err := env.states.Issue(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	_, _, err = env.validator.Validate(ctx, token, state2)
	assertKind(t, err, lti.FailReplayDetected)
}

func TestValidateMalformedToken(t *testing.T) {
	ctx := context.Background()
	env := newLaunchEnv(t)
	state, _ := env.handshake(t)

	for _, raw := range []string{"", "garbage", "a.b", "a.b.c.d", "!!!.@@@.###"} {
		_, _, err := env.validator.Validate(ctx, raw, state)
		assertKind(t, err, lti.FailMalformedToken)
	}

	// Structural rejects must not burn the state.
	if ok, _ := env.states.Consume(ctx, state); !ok {
		t.Fatal("state consumed by a malformed token")
	}
}

func TestValidateUnknownPlatform(t *testing.T) {
	ctx := context.Background()
	env := newLaunchEnv(t)
	state, nonce := env.handshake(t)

	c := baseClaims(env.platform, nonce)
	c["iss"] = "https://rogue.example.com"
	_, _, err := env.validator.Validate(ctx, env.sign(t, c), state)
	assertKind(t, err, lti.FailUnknownPlatform)

	// No outbound JWKS traffic for an unregistered issuer.
	if env.srv.count() != 0 {
		t.Fatalf("JWKS fetched %d times for unknown platform", env.srv.count())
	}
}

func TestValidateWrongSignature(t *testing.T) {
	ctx := context.Background()
	env := newLaunchEnv(t)
	state, nonce := env.handshake(t)

	// Signed with a different key but claiming the platform's kid.
	impostor := mustRSAKey(t)
	token := env.signWith(t, impostor, env.kid, baseClaims(env.platform, nonce))

	_, _, err := env.validator.Validate(ctx, token, state)
	assertKind(t, err, lti.FailInvalidSignature)
}

func TestValidateUnresolvableKid(t *testing.T) {
	ctx := context.Background()
	env := newLaunchEnv(t)
	state, nonce := env.handshake(t)

	token := env.signWith(t, env.key, "kid-nobody-published", baseClaims(env.platform, nonce))
	_, _, err := env.validator.Validate(ctx, token, state)
	assertKind(t, err, lti.FailKeyResolution)
}

func TestValidateClaimFailures(t *testing.T) {
	mutations := map[string]func(c jwt.MapClaims){
		"expired": func(c jwt.MapClaims) {
			c["exp"] = time.Now().Add(-time.Hour).Unix()
		},
		"missing exp": func(c jwt.MapClaims) {
			delete(c, "exp")
		},
		"iat in the future": func(c jwt.MapClaims) {
			c["iat"] = time.Now().Add(time.Hour).Unix()
		},
		"iat too old": func(c jwt.MapClaims) {
			c["iat"] = time.Now().Add(-25 * time.Hour).Unix()
		},
		"missing sub": func(c jwt.MapClaims) {
			delete(c, "sub")
		},
		"aud mismatch": func(c jwt.MapClaims) {
			c["aud"] = "some-other-tool"
		},
		"azp mismatch": func(c jwt.MapClaims) {
			c["azp"] = "some-other-tool"
		},
		"deployment mismatch": func(c jwt.MapClaims) {
			c[lti.ClaimDeployment] = "dep-other"
		},
		"unsupported message type": func(c jwt.MapClaims) {
			c[lti.ClaimMessageType] = "LtiSubmissionReviewRequest"
		},
		"missing message type": func(c jwt.MapClaims) {
			delete(c, lti.ClaimMessageType)
		},
		"wrong version": func(c jwt.MapClaims) {
			c[lti.ClaimVersion] = "1.1"
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			env := newLaunchEnv(t)
			state, nonce := env.handshake(t)

			c := baseClaims(env.platform, nonce)
			mutate(c)
			_, _, err := env.validator.Validate(ctx, env.sign(t, c), state)

			want := lti.FailClaimValidation
			if name == "aud mismatch" {
				// An unregistered iss/aud pair never reaches claim checks.
				want = lti.FailUnknownPlatform
			}
			assertKind(t, err, want)
		})
	}
}

func TestValidateAudienceAsList(t *testing.T) {
	ctx := context.Background()
	env := newLaunchEnv(t)
	state, nonce := env.handshake(t)

	c := baseClaims(env.platform, nonce)
	c["aud"] = []any{env.platform.ClientID, "bystander-tool"}
	c["azp"] = env.platform.ClientID

	claims, _, err := env.validator.Validate(ctx, env.sign(t, c), state)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Audience != env.platform.ClientID {
		t.Fatalf("audience not normalized from list: %q", claims.Audience)
	}
}

func TestValidateNoneAlgorithmRejected(t *testing.T) {
	ctx := context.Background()
	env := newLaunchEnv(t)
	state, nonce := env.handshake(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims(env.platform, nonce))
	tok.Header["kid"] = env.kid
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	_, _, err = env.validator.Validate(ctx, raw, state)
	assertKind(t, err, lti.FailInvalidSignature)
}
