package lti

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Deep Linking Responder (Tool side)

Builds the LtiDeepLinkingResponse JWT the tool posts back to the platform
after an instructor picks content. The response is signed with the tool's
own key; the kid header matches an entry in the published JWKS. Each content
item points back at the tool's launch URL and carries the same custom
parameters a later resource-link launch will receive, so the round trip is
self-describing.
*/

// DeepLinkItemType selects which embed surface a picked item opens.
type DeepLinkItemType string

const (
	ItemTopic   DeepLinkItemType = "topic"
	ItemSection DeepLinkItemType = "section"
	ItemChat    DeepLinkItemType = "chat"
)

// ErrInvalidSelection marks BuildResponse failures caused by the submitted
// items themselves, as opposed to signing or storage trouble. Callers map it
// to a client error.
var ErrInvalidSelection = errors.New("lti: invalid selection")

// DeepLinkItem is one user selection. Ephemeral: it only ever exists between
// the picker POST and the signed response payload.
type DeepLinkItem struct {
	Type        DeepLinkItemType  `json:"type"`
	Title       string            `json:"title"`
	TopicSlug   string            `json:"topic_slug,omitempty"`
	SectionSlug string            `json:"section_slug,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

func (it DeepLinkItem) validate() error {
	switch it.Type {
	case ItemTopic, ItemChat:
		if it.TopicSlug == "" {
			return fmt.Errorf("%w: item type %q requires topic_slug", ErrInvalidSelection, it.Type)
		}
	case ItemSection:
		if it.TopicSlug == "" || it.SectionSlug == "" {
			return fmt.Errorf("%w: item type %q requires topic_slug and section_slug", ErrInvalidSelection, it.Type)
		}
	default:
		return fmt.Errorf("%w: unknown item type %q", ErrInvalidSelection, it.Type)
	}
	return nil
}

// Responder builds and signs deep-linking response JWTs.
type Responder struct {
	ToolClientID string
	LaunchURL    string // absolute URL platforms launch back into
	Keys         *KeyManager

	TokenTTL time.Duration // default 5 minutes
	Now      func() time.Time
}

// BuildResponse signs a JWT describing the selected items for the platform.
func (r *Responder) BuildResponse(ctx context.Context, platform Platform, launch LaunchClaims, items []DeepLinkItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("%w: no items selected", ErrInvalidSelection)
	}
	contentItems := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if err := it.validate(); err != nil {
			return "", err
		}
		contentItems = append(contentItems, r.contentItem(it))
	}

	now := r.now()
	nonce, err := newToken(replayTokenBytes)
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"iss":            r.ToolClientID,
		"aud":            platform.Issuer,
		"iat":            now.Unix(),
		"exp":            now.Add(r.ttl()).Unix(),
		"nonce":          nonce,
		ClaimMessageType: MsgTypeDeepLinkingReply,
		ClaimVersion:     LTIVersion,
		ClaimDLContentItems: contentItems,
	}
	if dep := firstNonEmpty(launch.DeploymentID, platform.DeploymentID); dep != "" {
		claims[ClaimDeployment] = dep
	}
	if launch.DeepLinkData != "" {
		claims[ClaimDLData] = launch.DeepLinkData
	}

	rec, err := r.Keys.CurrentKey(ctx)
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = rec.KID
	return tok.SignedString(rec.Key)
}

// contentItem renders one selection as an ltiResourceLink content item whose
// custom map reproduces the selection on the next launch.
func (r *Responder) contentItem(it DeepLinkItem) map[string]any {
	custom := map[string]string{"type": string(it.Type)}
	if it.TopicSlug != "" {
		custom["topic_slug"] = it.TopicSlug
	}
	if it.SectionSlug != "" {
		custom["section_slug"] = it.SectionSlug
	}
	for k, v := range it.Custom {
		custom[k] = v
	}
	title := it.Title
	if title == "" {
		title = firstNonEmpty(it.SectionSlug, it.TopicSlug)
	}
	return map[string]any{
		"type":   "ltiResourceLink",
		"title":  title,
		"url":    r.LaunchURL,
		"custom": custom,
	}
}

func (r *Responder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Responder) ttl() time.Duration {
	if r.TokenTTL > 0 {
		return r.TokenTTL
	}
	return 5 * time.Minute
}

// WriteReturnForm renders the auto-submitting page that posts the signed
// response to the platform's deep_link_return_url.
func WriteReturnForm(w http.ResponseWriter, returnURL, signedJWT string) error {
	if !isHTTPURL(returnURL) {
		return fmt.Errorf("lti: bad deep link return url %q", returnURL)
	}
	if _, err := url.Parse(returnURL); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	const tpl = `<!doctype html>
<html><head><meta charset="utf-8"><title>Returning to course</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
  <input type="hidden" name="JWT" value="{{.JWT}}">
  <noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>`
	t := template.Must(template.New("dlreturn").Parse(tpl))
	return t.Execute(w, map[string]string{
		"Action": returnURL,
		"JWT":    signedJWT,
	})
}
