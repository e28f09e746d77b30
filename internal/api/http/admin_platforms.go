// internal/api/http/admin_platforms.go
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kurswerk/kurswerk-lms/internal/lti"
)

/*
Admin CRUD for platform registrations.

The protocol engine only ever reads registrations; this API is how an
administrator trusts a new LMS (issuer, client id, endpoints, JWKS URL) or
deactivates one. Guarded by basic auth against a bcrypt hash from config.
*/

// AdminBasicAuth enforces basic auth with a bcrypt password hash.
func AdminBasicAuth(user, passHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || u != user ||
				bcrypt.CompareHashAndPassword([]byte(passHash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="kurswerk admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type platformReq struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	DeploymentID string `json:"deployment_id"`
	AuthLoginURL string `json:"auth_login_url"`
	AuthTokenURL string `json:"auth_token_url"`
	JWKSURL      string `json:"jwks_url"`
	Active       *bool  `json:"is_active"`
}

func (req platformReq) validate() string {
	switch {
	case strings.TrimSpace(req.Issuer) == "":
		return "issuer is required"
	case strings.TrimSpace(req.ClientID) == "":
		return "client_id is required"
	case strings.TrimSpace(req.AuthLoginURL) == "":
		return "auth_login_url is required"
	case strings.TrimSpace(req.JWKSURL) == "":
		return "jwks_url is required"
	}
	return ""
}

// MountAdminPlatforms wires the registration CRUD under the given router.
func MountAdminPlatforms(r chi.Router, store lti.PlatformStore) {
	r.Post("/platforms", createPlatform(store))
	r.Get("/platforms", listPlatforms(store))
	r.Get("/platforms/{id}", getPlatform(store))
	r.Put("/platforms/{id}", updatePlatform(store))
	r.Delete("/platforms/{id}", deletePlatform(store))
}

func createPlatform(store lti.PlatformStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req platformReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if msg := req.validate(); msg != "" {
			writeErr(w, http.StatusBadRequest, msg)
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		p := lti.Platform{
			ID:           uuid.NewString(),
			Issuer:       strings.TrimSpace(req.Issuer),
			ClientID:     strings.TrimSpace(req.ClientID),
			DeploymentID: strings.TrimSpace(req.DeploymentID),
			AuthLoginURL: strings.TrimSpace(req.AuthLoginURL),
			AuthTokenURL: strings.TrimSpace(req.AuthTokenURL),
			JWKSURL:      strings.TrimSpace(req.JWKSURL),
			Active:       active,
		}
		if err := store.Create(r.Context(), p); err != nil {
			writeErr(w, http.StatusInternalServerError, "create failed")
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func listPlatforms(store lti.PlatformStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, limit := parsePage(r, 0, 100)
		items, err := store.List(r.Context(), offset, limit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "list failed")
			return
		}
		if items == nil {
			items = []lti.Platform{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func getPlatform(store lti.PlatformStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := store.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			platformStoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func updatePlatform(store lti.PlatformStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req platformReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if msg := req.validate(); msg != "" {
			writeErr(w, http.StatusBadRequest, msg)
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		p := lti.Platform{
			ID:           chi.URLParam(r, "id"),
			Issuer:       strings.TrimSpace(req.Issuer),
			ClientID:     strings.TrimSpace(req.ClientID),
			DeploymentID: strings.TrimSpace(req.DeploymentID),
			AuthLoginURL: strings.TrimSpace(req.AuthLoginURL),
			AuthTokenURL: strings.TrimSpace(req.AuthTokenURL),
			JWKSURL:      strings.TrimSpace(req.JWKSURL),
			Active:       active,
		}
		if err := store.Update(r.Context(), p); err != nil {
			platformStoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func deletePlatform(store lti.PlatformStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			platformStoreErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func platformStoreErr(w http.ResponseWriter, err error) {
	if errors.Is(err, lti.ErrPlatformNotFound) {
		writeErr(w, http.StatusNotFound, "platform not found")
		return
	}
	writeErr(w, http.StatusInternalServerError, "storage error")
}

func parsePage(r *http.Request, defOffset, defLimit int) (int, int) {
	offset, limit := defOffset, defLimit
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return offset, limit
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
