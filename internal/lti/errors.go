package lti

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureKind classifies why a launch (or session lookup) was rejected.
// Every kind is terminal for the request: the remedy is a fresh launch from
// the platform, never a retry by the engine.
type FailureKind string

const (
	FailMalformedToken   FailureKind = "malformed_token"
	FailInvalidState     FailureKind = "invalid_state"
	FailUnknownPlatform  FailureKind = "unknown_platform"
	FailKeyResolution    FailureKind = "key_resolution_failed"
	FailInvalidSignature FailureKind = "invalid_signature"
	FailClaimValidation  FailureKind = "claim_validation_failed"
	FailReplayDetected   FailureKind = "replay_detected"
	FailSessionExpired   FailureKind = "session_expired_or_missing"
)

// HTTPStatus maps a failure kind to the status the HTTP boundary returns.
// Malformed input is the caller's formatting problem (400); everything else
// is an authentication/authorization failure (403).
func (k FailureKind) HTTPStatus() int {
	if k == FailMalformedToken {
		return http.StatusBadRequest
	}
	return http.StatusForbidden
}

// LaunchError carries a FailureKind plus an internal cause. The cause is for
// server-side logs only and must never reach a response body.
type LaunchError struct {
	Kind FailureKind
	err  error
}

func (e *LaunchError) Error() string {
	if e.err != nil {
		return string(e.Kind) + ": " + e.err.Error()
	}
	return string(e.Kind)
}

func (e *LaunchError) Unwrap() error { return e.err }

func failf(kind FailureKind, format string, args ...any) *LaunchError {
	return &LaunchError{Kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) (FailureKind, bool) {
	var le *LaunchError
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return "", false
}
