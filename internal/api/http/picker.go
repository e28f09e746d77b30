// internal/api/http/picker.go
package http

import (
	"net/http"

	"github.com/kurswerk/kurswerk-lms/internal/content"
	"github.com/kurswerk/kurswerk-lms/internal/lti"
)

// PickerHandler backs the deep-linking content picker. The launch handler
// redirects LtiDeepLinkingRequest launches here; the SPA renders the catalog
// and posts the instructor's selection to the deep-link return endpoint.
func PickerHandler(sessions *lti.SessionManager, store content.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("session_token")
		sess, err := sessions.GetByToken(r.Context(), token)
		if err != nil {
			status := http.StatusForbidden
			if kind, ok := lti.KindOf(err); ok {
				status = kind.HTTPStatus()
			}
			http.Error(w, "missing or expired session", status)
			return
		}
		if !sess.Claims.IsDeepLinkingRequest() {
			http.Error(w, "not a deep linking session", http.StatusForbidden)
			return
		}

		topics, err := store.ListTopics(r.Context())
		if err != nil {
			http.Error(w, "content unavailable", http.StatusInternalServerError)
			return
		}
		catalog := make([]map[string]any, 0, len(topics))
		for _, t := range topics {
			sections, err := store.ListSections(r.Context(), t.Slug)
			if err != nil {
				http.Error(w, "content unavailable", http.StatusInternalServerError)
				return
			}
			catalog = append(catalog, map[string]any{
				"topic":    t,
				"sections": sections,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_token": sess.Token,
			"return_ready":  sess.Claims.DeepLinkReturnURL != "",
			"catalog":       catalog,
		})
	}
}
