package main

import (
	"context"
	"log"
	"net/http"
	"time"

	api "github.com/kurswerk/kurswerk-lms/internal/api/http"
	"github.com/kurswerk/kurswerk-lms/internal/config"
	"github.com/kurswerk/kurswerk-lms/internal/content"
	"github.com/kurswerk/kurswerk-lms/internal/db"
	"github.com/kurswerk/kurswerk-lms/internal/lti"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}

	platforms := lti.NewSQLPlatformStore(dbh)
	states := lti.NewSQLReplayStore(dbh, "state")
	nonces := lti.NewSQLReplayStore(dbh, "nonce")
	courses := content.NewSQLStore(dbh)

	sessions := &lti.SessionManager{
		Store: lti.NewSQLSessionStore(dbh),
		TTL:   cfg.SessionTTL,
	}

	// --- Tool signing keys (deep-linking responses, published JWKS) ---
	keys := &lti.KeyManager{
		Storage:          lti.NewMemoryKeyStorage(),
		RotationInterval: cfg.KeyRotationInterval,
		Overlap:          cfg.KeyOverlap,
	}
	if cfg.ToolPrivateKey != "" {
		if err := keys.SeedPEM(ctx, cfg.ToolKID, cfg.ToolPrivateKey); err != nil {
			log.Fatalf("tool key seed failed: %v", err)
		}
	} else if _, err := keys.CurrentKey(ctx); err != nil {
		log.Fatalf("tool key generation failed: %v", err)
	}

	// --- Launch validation pipeline ---
	resolver := lti.NewKeyResolver()
	resolver.CacheTTL = cfg.JWKSCacheTTL
	resolver.FetchTimeout = cfg.JWKSTimeout

	validator := &lti.Validator{
		Platforms: platforms,
		Keys:      resolver,
		Nonces:    nonces,
		States:    states,
	}

	responder := &lti.Responder{
		ToolClientID: cfg.ToolClientID,
		LaunchURL:    cfg.LaunchURL(),
		Keys:         keys,
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	// LTI protocol surface
	login := &lti.LoginHandler{
		Platforms:   platforms,
		States:      states,
		Nonces:      nonces,
		RedirectURI: cfg.LaunchURL(),
		StateTTL:    cfg.StateTTL,
		NonceTTL:    cfg.NonceTTL,
	}
	launch := &lti.LaunchHandler{
		Validator:     validator,
		Sessions:      sessions,
		EmbedBasePath: cfg.EmbedBasePath,
		PickerPath:    "/lti/picker",
	}
	deepLink := &lti.DeepLinkHandler{
		Sessions:  sessions,
		Platforms: platforms,
		Responder: responder,
	}

	r.Route("/lti", func(lr chi.Router) {
		lr.Get("/login", login.ServeHTTP)
		lr.Post("/login", login.ServeHTTP)
		lr.Post("/launch", launch.ServeHTTP)
		lr.Post("/deep-link", deepLink.ServeHTTP)
		lr.Get("/picker", api.PickerHandler(sessions, courses))
		lr.Post("/logout", logoutHandler(sessions))
	})

	r.Method(http.MethodGet, "/.well-known/jwks.json", &lti.JWKSHandler{Provider: keys})
	r.Method(http.MethodHead, "/.well-known/jwks.json", &lti.JWKSHandler{Provider: keys})

	// Platform-facing embedded views
	r.Route(cfg.EmbedBasePath, func(er chi.Router) {
		api.MountEmbed(er, sessions, courses)
	})

	// Admin surface (basic auth, bcrypt hash from env)
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(api.AdminBasicAuth(cfg.AdminUser, cfg.AdminPassHash))
		api.MountAdminPlatforms(ar, platforms)
	})

	log.Printf("listening on %s (db=%s, launch=%s)", cfg.HTTPAddr, cfg.DBDriver, cfg.LaunchURL())
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}

func logoutHandler(sessions *lti.SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		token := r.FormValue("session_token")
		if token == "" {
			http.Error(w, "missing session_token", http.StatusBadRequest)
			return
		}
		if err := sessions.Destroy(r.Context(), token); err != nil {
			http.Error(w, "logout failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
