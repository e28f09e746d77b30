// internal/api/http/embed.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kurswerk/kurswerk-lms/internal/content"
	"github.com/kurswerk/kurswerk-lms/internal/lti"
)

/*
Content-embedding views.

Every embed route requires a valid session_token query parameter minted by
the launch handler. Absence or expiry yields 403 — there is no
unauthenticated fallback view. The views themselves are thin JSON read
endpoints; the SPA inside the LMS iframe renders them.
*/

type sessionKeyType struct{}

var sessionKey sessionKeyType

// RequireSession resolves the session_token query parameter and attaches the
// session to the request context; 403 otherwise.
func RequireSession(sessions *lti.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext returns the launch session attached by RequireSession.
func SessionFromContext(ctx context.Context) (lti.LaunchSession, bool) {
	s, ok := ctx.Value(sessionKey).(lti.LaunchSession)
	return s, ok
}

// MountEmbed wires the embed views under the given router.
func MountEmbed(r chi.Router, sessions *lti.SessionManager, store content.Store) {
	r.Use(RequireSession(sessions))

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		topics, err := store.ListTopics(req.Context())
		if err != nil {
			http.Error(w, "content unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
	})

	r.Get("/topic/{topicSlug}", func(w http.ResponseWriter, req *http.Request) {
		slug := chi.URLParam(req, "topicSlug")
		topic, err := store.GetTopic(req.Context(), slug)
		if err != nil {
			embedStoreErr(w, err)
			return
		}
		sections, err := store.ListSections(req.Context(), slug)
		if err != nil {
			http.Error(w, "content unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "sections": sections})
	})

	r.Get("/topic/{topicSlug}/section/{sectionSlug}", func(w http.ResponseWriter, req *http.Request) {
		sec, err := store.GetSection(req.Context(), chi.URLParam(req, "topicSlug"), chi.URLParam(req, "sectionSlug"))
		if err != nil {
			embedStoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"section": sec})
	})

	r.Get("/chat/{topicSlug}", func(w http.ResponseWriter, req *http.Request) {
		topic, err := store.GetTopic(req.Context(), chi.URLParam(req, "topicSlug"))
		if err != nil {
			embedStoreErr(w, err)
			return
		}
		sess, _ := SessionFromContext(req.Context())
		// The assistant itself is an external collaborator; this view hands the
		// SPA what it needs to open a chat scoped to the topic and user.
		writeJSON(w, http.StatusOK, map[string]any{
			"topic":   topic,
			"user_id": sess.UserID,
			"context": sess.ContextID,
		})
	})
}

func embedStoreErr(w http.ResponseWriter, err error) {
	if errors.Is(err, content.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, "content unavailable", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
