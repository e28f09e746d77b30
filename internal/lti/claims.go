package lti

import (
	"time"
)

// IMS claim URIs (1EdTech LTI 1.3 / Deep Linking 2.0).
const (
	ClaimMessageType = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion     = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeployment  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTarget      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimContext     = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResource    = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles       = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimCustom      = "https://purl.imsglobal.org/spec/lti/claim/custom"

	ClaimDLSettings     = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimDLContentItems = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	ClaimDLData         = "https://purl.imsglobal.org/spec/lti-dl/claim/data"

	MsgTypeResourceLink       = "LtiResourceLinkRequest"
	MsgTypeDeepLinkingRequest = "LtiDeepLinkingRequest"
	MsgTypeDeepLinkingReply   = "LtiDeepLinkingResponse"

	LTIVersion = "1.3.0"
)

// LaunchClaims is the typed view of a validated id_token. Security-relevant
// claims are explicit fields; everything the platform sent is retained in Raw
// for forward compatibility.
type LaunchClaims struct {
	Issuer   string
	Audience string // normalized to the single registered client_id
	Subject  string
	Nonce    string
	AzP      string

	IssuedAt  time.Time
	ExpiresAt time.Time

	MessageType   string
	Version       string
	DeploymentID  string
	TargetLinkURI string

	ContextID    string
	ContextLabel string
	ContextTitle string

	ResourceLinkID string
	Roles          []string
	Custom         map[string]string

	// Deep linking request settings, when MessageType is a DL request.
	DeepLinkReturnURL string
	DeepLinkData      string

	Raw map[string]any
}

// IsDeepLinkingRequest reports whether this launch asks the tool to open its
// content picker instead of a concrete resource.
func (c LaunchClaims) IsDeepLinkingRequest() bool {
	return c.MessageType == MsgTypeDeepLinkingRequest
}

// claimsFromMap builds the typed view from a verified claim map. It is
// lenient: the validator has already rejected tokens whose security claims
// are missing or inconsistent.
func claimsFromMap(m map[string]any) LaunchClaims {
	c := LaunchClaims{
		Issuer:        asString(m["iss"]),
		Audience:      asString(m["aud"]),
		Subject:       asString(m["sub"]),
		Nonce:         asString(m["nonce"]),
		AzP:           asString(m["azp"]),
		MessageType:   asString(m[ClaimMessageType]),
		Version:       asString(m[ClaimVersion]),
		DeploymentID:  asString(m[ClaimDeployment]),
		TargetLinkURI: asString(m[ClaimTarget]),
		Roles:         asStringSlice(m[ClaimRoles]),
		Custom:        toStringMap(m[ClaimCustom]),
		Raw:           m,
	}
	if v, ok := numericClaim(m["iat"]); ok {
		c.IssuedAt = time.Unix(v, 0)
	}
	if v, ok := numericClaim(m["exp"]); ok {
		c.ExpiresAt = time.Unix(v, 0)
	}
	if ctxObj, ok := m[ClaimContext].(map[string]any); ok {
		c.ContextID = asString(ctxObj["id"])
		c.ContextLabel = asString(ctxObj["label"])
		c.ContextTitle = asString(ctxObj["title"])
	}
	if rlObj, ok := m[ClaimResource].(map[string]any); ok {
		c.ResourceLinkID = asString(rlObj["id"])
	}
	if dl, ok := m[ClaimDLSettings].(map[string]any); ok {
		c.DeepLinkReturnURL = asString(dl["deep_link_return_url"])
		c.DeepLinkData = asString(dl["data"])
	}
	return c
}

func numericClaim(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}
