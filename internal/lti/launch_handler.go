package lti

import (
	"log"
	"net/http"
	"net/url"
)

// LaunchHandler receives the platform's form_post callback: it validates the
// id_token, mints a launch session, and redirects the browser into the tool.
// Deep-linking requests land on the picker; resource-link launches land on
// the embed view their custom parameters select.
type LaunchHandler struct {
	Validator *Validator
	Sessions  *SessionManager

	EmbedBasePath string // e.g. "/embed"
	PickerPath    string // e.g. "/lti/deep-link"
}

func (h *LaunchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	idToken := r.PostFormValue("id_token")
	state := r.PostFormValue("state")
	if idToken == "" || state == "" {
		http.Error(w, "missing id_token or state", http.StatusBadRequest)
		return
	}

	claims, platform, err := h.Validator.Validate(r.Context(), idToken, state)
	if err != nil {
		kind, ok := KindOf(err)
		if !ok {
			log.Printf("lti launch: internal error: %v", err)
			http.Error(w, "launch failed", http.StatusInternalServerError)
			return
		}
		// Server-side log carries the failure detail; the response body stays
		// generic so no token detail leaks.
		log.Printf("lti launch rejected: kind=%s detail=%v", kind, err)
		http.Error(w, "launch rejected", kind.HTTPStatus())
		return
	}

	session, err := h.Sessions.Create(r.Context(), platform, claims)
	if err != nil {
		log.Printf("lti launch: session create: %v", err)
		http.Error(w, "launch failed", http.StatusInternalServerError)
		return
	}

	target := h.pickerTarget(session)
	if !claims.IsDeepLinkingRequest() {
		target = h.embedTarget(session, claims.Custom)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *LaunchHandler) pickerTarget(s LaunchSession) string {
	return h.PickerPath + "?" + sessionQuery(s)
}

// embedTarget maps the launch's custom parameters onto an embed route. An
// unselective launch falls back to the topic index.
func (h *LaunchHandler) embedTarget(s LaunchSession, custom map[string]string) string {
	base := h.EmbedBasePath
	q := sessionQuery(s)
	switch custom["type"] {
	case string(ItemSection):
		if custom["topic_slug"] != "" && custom["section_slug"] != "" {
			return base + "/topic/" + url.PathEscape(custom["topic_slug"]) +
				"/section/" + url.PathEscape(custom["section_slug"]) + "?" + q
		}
	case string(ItemChat):
		if custom["topic_slug"] != "" {
			return base + "/chat/" + url.PathEscape(custom["topic_slug"]) + "?" + q
		}
	case string(ItemTopic):
		if custom["topic_slug"] != "" {
			return base + "/topic/" + url.PathEscape(custom["topic_slug"]) + "?" + q
		}
	}
	return base + "?" + q
}

func sessionQuery(s LaunchSession) string {
	q := url.Values{}
	q.Set("session_token", s.Token)
	return q.Encode()
}
