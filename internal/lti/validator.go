package lti

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Validator is the launch protocol state machine. Steps run in a fixed order so
cheap rejects bound the cost of abuse attempts:

  1. structural check          -> MalformedToken
  2. state consume             -> InvalidState
  3. platform resolution       -> UnknownPlatform
  4. signature verification    -> InvalidSignature / KeyResolutionFailed
  5. claim validation          -> ClaimValidationFailed
  6. nonce consume             -> ReplayDetected

Every failure is terminal for the request; there is no retry path.
*/

type Validator struct {
	Platforms PlatformRegistry
	Keys      *KeyResolver
	Nonces    ReplayStore
	States    ReplayStore

	// Leeway is the clock-skew tolerance applied to iat/exp. Default 5 minutes.
	Leeway time.Duration
	Now    func() time.Time
}

// Validate runs the state machine over a raw compact JWT and the state value
// returned by the browser. On success it returns the typed claim set and the
// resolved platform registration.
func (v *Validator) Validate(ctx context.Context, rawToken, state string) (LaunchClaims, Platform, error) {
	// 1. Structural: three dot-separated segments, decodable header/payload.
	rawToken = strings.TrimSpace(rawToken)
	if strings.Count(rawToken, ".") != 2 {
		return LaunchClaims{}, Platform{}, failf(FailMalformedToken, "token is not a compact JWT")
	}
	unverified := jwt.MapClaims{}
	parser := jwt.NewParser()
	_, _, err := parser.ParseUnverified(rawToken, unverified)
	if err != nil {
		return LaunchClaims{}, Platform{}, failf(FailMalformedToken, "decode: %v", err)
	}

	// 2. State: consume before any cryptographic work.
	ok, err := v.States.Consume(ctx, state)
	if err != nil {
		return LaunchClaims{}, Platform{}, err
	}
	if !ok {
		return LaunchClaims{}, Platform{}, failf(FailInvalidState, "state missing, expired, or already used")
	}

	// 3. Platform: locate the registration from the unverified iss/aud pair.
	iss := asString(unverified["iss"])
	auds := asStringSlice(unverified["aud"])
	if iss == "" || len(auds) == 0 {
		return LaunchClaims{}, Platform{}, failf(FailUnknownPlatform, "missing iss or aud")
	}
	clientID := auds[0]
	platform, err := v.Platforms.FindByIssuerAndClient(ctx, iss, clientID)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) || errors.Is(err, ErrPlatformAmbiguous) {
			return LaunchClaims{}, Platform{}, &LaunchError{Kind: FailUnknownPlatform, err: err}
		}
		return LaunchClaims{}, Platform{}, err
	}

	// 4. Signature: resolve the platform key by kid and verify RS256.
	verified := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(rawToken, verified, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.Keys.ResolveKey(ctx, platform, kid)
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		if kind, ok := KindOf(err); ok && kind == FailKeyResolution {
			return LaunchClaims{}, Platform{}, err
		}
		return LaunchClaims{}, Platform{}, &LaunchError{Kind: FailInvalidSignature, err: err}
	}

	// 5. Claims.
	if err := v.validateClaims(verified, platform); err != nil {
		return LaunchClaims{}, Platform{}, err
	}

	// 6. Nonce.
	nonce := asString(verified["nonce"])
	ok, err = v.Nonces.Consume(ctx, nonce)
	if err != nil {
		return LaunchClaims{}, Platform{}, err
	}
	if !ok {
		return LaunchClaims{}, Platform{}, failf(FailReplayDetected, "nonce missing, expired, or already used")
	}

	claims := claimsFromMap(verified)
	claims.Audience = platform.ClientID
	return claims, platform, nil
}

func (v *Validator) validateClaims(m jwt.MapClaims, platform Platform) error {
	now := v.now()
	leeway := v.leeway()

	exp, ok := numericClaim(m["exp"])
	if !ok {
		return failf(FailClaimValidation, "missing exp")
	}
	if !time.Unix(exp, 0).After(now) {
		return failf(FailClaimValidation, "token expired")
	}
	if iat, ok := numericClaim(m["iat"]); ok {
		issued := time.Unix(iat, 0)
		if issued.After(now.Add(leeway)) {
			return failf(FailClaimValidation, "iat in the future")
		}
		if now.Sub(issued) > 24*time.Hour {
			return failf(FailClaimValidation, "iat too far in the past")
		}
	} else {
		return failf(FailClaimValidation, "missing iat")
	}

	if !containsString(asStringSlice(m["aud"]), platform.ClientID) {
		return failf(FailClaimValidation, "aud does not contain registered client_id")
	}
	if azp := asString(m["azp"]); azp != "" && azp != platform.ClientID {
		return failf(FailClaimValidation, "azp mismatch")
	}
	if platform.DeploymentID != "" {
		if dep := asString(m[ClaimDeployment]); dep != platform.DeploymentID {
			return failf(FailClaimValidation, "deployment_id mismatch")
		}
	}
	if asString(m["sub"]) == "" {
		return failf(FailClaimValidation, "missing sub")
	}
	switch asString(m[ClaimMessageType]) {
	case MsgTypeResourceLink, MsgTypeDeepLinkingRequest:
	case "":
		return failf(FailClaimValidation, "missing message_type")
	default:
		return failf(FailClaimValidation, "unsupported message_type %q", asString(m[ClaimMessageType]))
	}
	if ver := asString(m[ClaimVersion]); ver != "" && ver != LTIVersion {
		return failf(FailClaimValidation, "unsupported LTI version %q", ver)
	}
	return nil
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Validator) leeway() time.Duration {
	if v.Leeway > 0 {
		return v.Leeway
	}
	return 5 * time.Minute
}
