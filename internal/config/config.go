package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// LTI 1.3 / OIDC (Tool-side)
	ToolClientID   string
	LaunchPath     string // POST endpoint the platform form-posts the id_token to
	EmbedBasePath  string
	DeepLinkPath   string
	ToolPrivateKey string // PEM; empty => ephemeral dev key
	ToolKID        string

	StateTTL     time.Duration
	NonceTTL     time.Duration
	SessionTTL   time.Duration
	JWKSCacheTTL time.Duration
	JWKSTimeout  time.Duration

	KeyRotationInterval time.Duration
	KeyOverlap          time.Duration

	AdminUser     string
	AdminPassHash string // bcrypt

	CORSOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	pub := strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/")

	return Config{
		HTTPAddr:  addr,
		PublicURL: pub,

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		ToolClientID:   envOr("LTI_TOOL_CLIENT_ID", "kurswerk-tool"),
		LaunchPath:     envOr("LTI_LAUNCH_PATH", "/lti/launch"),
		EmbedBasePath:  envOr("EMBED_BASE_PATH", "/embed"),
		DeepLinkPath:   envOr("LTI_DEEP_LINK_PATH", "/lti/deep-link"),
		ToolPrivateKey: toolPrivateKeyFromEnv(),
		ToolKID:        os.Getenv("LTI_TOOL_KID"),

		StateTTL:     envDuration("LTI_STATE_TTL", 10*time.Minute),
		NonceTTL:     envDuration("LTI_NONCE_TTL", 10*time.Minute),
		SessionTTL:   envDuration("LTI_SESSION_TTL", 4*time.Hour),
		JWKSCacheTTL: envDuration("LTI_JWKS_CACHE_TTL", 15*time.Minute),
		JWKSTimeout:  envDuration("LTI_JWKS_TIMEOUT", 5*time.Second),

		KeyRotationInterval: envDuration("LTI_KEY_ROTATION", 90*24*time.Hour),
		KeyOverlap:          envDuration("LTI_KEY_OVERLAP", 7*24*time.Hour),

		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: envOr("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

// LaunchURL is the absolute redirect_uri registered with platforms.
func (c Config) LaunchURL() string {
	return c.PublicURL + c.LaunchPath
}

// toolPrivateKeyFromEnv prefers raw PEM, then base64-wrapped PEM (CI-friendly).
func toolPrivateKeyFromEnv() string {
	if pem := os.Getenv("LTI_TOOL_PRIVATE_KEY_PEM"); pem != "" {
		return pem
	}
	return os.Getenv("LTI_TOOL_PRIVATE_KEY_B64")
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
