// internal/lti/oidc_login.go
package lti

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"time"
)

// LoginHandler implements the OIDC third-party login initiation: the platform
// sends the browser here, and we bounce it to the platform's auth endpoint
// with a freshly issued state and nonce.
type LoginHandler struct {
	Platforms PlatformRegistry
	States    ReplayStore
	Nonces    ReplayStore

	RedirectURI string // the tool's launch endpoint (absolute)
	StateTTL    time.Duration
	NonceTTL    time.Duration
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Platforms may initiate with GET or POST-form.
	_ = r.ParseForm()
	iss := r.Form.Get("iss")
	loginHint := r.Form.Get("login_hint")
	targetLink := r.Form.Get("target_link_uri")
	clientID := r.Form.Get("client_id")
	messageHint := r.Form.Get("lti_message_hint")

	if iss == "" || loginHint == "" || targetLink == "" || clientID == "" {
		http.Error(w, "missing login initiation parameters", http.StatusBadRequest)
		return
	}

	platform, err := h.Platforms.FindByIssuerAndClient(r.Context(), iss, clientID)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) || errors.Is(err, ErrPlatformAmbiguous) {
			log.Printf("lti login: unknown platform iss=%s client_id=%s", iss, clientID)
			http.Error(w, "unknown platform", http.StatusForbidden)
			return
		}
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	if !isHTTPURL(platform.AuthLoginURL) {
		log.Printf("lti login: platform %s has bad auth_login_url", platform.ID)
		http.Error(w, "platform misconfigured", http.StatusInternalServerError)
		return
	}

	state, err := h.States.Issue(r.Context(), h.ttl(h.StateTTL))
	if err != nil {
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	nonce, err := h.Nonces.Issue(r.Context(), h.ttl(h.NonceTTL))
	if err != nil {
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}

	q := url.Values{}
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", platform.ClientID)
	q.Set("redirect_uri", h.RedirectURI)
	q.Set("login_hint", loginHint)
	q.Set("state", state)
	q.Set("nonce", nonce)
	if messageHint != "" {
		q.Set("lti_message_hint", messageHint)
	}
	http.Redirect(w, r, platform.AuthLoginURL+"?"+q.Encode(), http.StatusFound)
}

func (h *LoginHandler) ttl(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return 10 * time.Minute
}
