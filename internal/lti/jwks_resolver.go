package lti

import (
	"context"
	"crypto/rsa"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
)

/*
KeyResolver fetches and caches platform JWKS documents and resolves a single
RSA public key by kid.

Cache entries are per JWKS URL with a TTL. A kid that is absent from a fresh
cache entry (key rotation in progress) triggers exactly one forced refetch
before the lookup fails. Concurrent refreshes for the same URL coalesce into
one outbound request. Every failure mode (network, timeout, malformed
document, kid still absent) surfaces as FailKeyResolution; raw parse errors
never escape to callers.
*/

type KeyResolver struct {
	// HTTP is the outbound client. Its own timeout is left alone; each fetch
	// attempt is bounded by FetchTimeout via context.
	HTTP *http.Client

	CacheTTL     time.Duration // default 15 minutes
	FetchTimeout time.Duration // per attempt, default 5 seconds
	Now          func() time.Time

	mu    sync.RWMutex
	cache map[string]jwksEntry
	group singleflight.Group
}

type jwksEntry struct {
	set     jwk.Set
	fetched time.Time
}

func NewKeyResolver() *KeyResolver {
	return &KeyResolver{
		HTTP:  &http.Client{},
		cache: make(map[string]jwksEntry),
	}
}

// ResolveKey returns the platform's public key for the given kid.
func (r *KeyResolver) ResolveKey(ctx context.Context, p Platform, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, failf(FailKeyResolution, "empty kid")
	}
	if set := r.cached(p.JWKSURL); set != nil {
		if pub, ok := rsaKeyByKID(set, kid); ok {
			return pub, nil
		}
		// Fresh cache but unknown kid: possible rotation, force one refetch.
	}
	set, err := r.refresh(ctx, p.JWKSURL)
	if err != nil {
		return nil, &LaunchError{Kind: FailKeyResolution, err: err}
	}
	pub, ok := rsaKeyByKID(set, kid)
	if !ok {
		return nil, failf(FailKeyResolution, "kid %q not in JWKS for %s after refresh", kid, p.Issuer)
	}
	return pub, nil
}

// Invalidate drops the cache entry for a JWKS URL.
func (r *KeyResolver) Invalidate(jwksURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, jwksURL)
}

func (r *KeyResolver) cached(jwksURL string) jwk.Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[jwksURL]
	if !ok || r.now().Sub(e.fetched) >= r.cacheTTL() {
		return nil
	}
	return e.set
}

// refresh fetches the JWKS, coalescing concurrent callers per URL.
func (r *KeyResolver) refresh(ctx context.Context, jwksURL string) (jwk.Set, error) {
	v, err, _ := r.group.Do(jwksURL, func() (any, error) {
		set, err := r.fetchWithRetry(ctx, jwksURL)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[jwksURL] = jwksEntry{set: set, fetched: r.now()}
		r.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

// fetchWithRetry performs one fetch attempt plus a single immediate retry.
// Timeouts are the one transient condition worth retrying; everything else
// fails on first sight too, but a second attempt is harmless and bounded.
func (r *KeyResolver) fetchWithRetry(ctx context.Context, jwksURL string) (jwk.Set, error) {
	set, err := r.fetchOnce(ctx, jwksURL)
	if err == nil {
		return set, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return r.fetchOnce(ctx, jwksURL)
}

func (r *KeyResolver) fetchOnce(ctx context.Context, jwksURL string) (jwk.Set, error) {
	fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, failf(FailKeyResolution, "jwks fetch %s: status %d", jwksURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB guard
	if err != nil {
		return nil, err
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, failf(FailKeyResolution, "jwks parse %s: %v", jwksURL, err)
	}
	return set, nil
}

func rsaKeyByKID(set jwk.Set, kid string) (*rsa.PublicKey, bool) {
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, false
	}
	var pub rsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return nil, false
	}
	return &pub, true
}

func (r *KeyResolver) httpClient() *http.Client {
	if r.HTTP != nil {
		return r.HTTP
	}
	return http.DefaultClient
}

func (r *KeyResolver) cacheTTL() time.Duration {
	if r.CacheTTL > 0 {
		return r.CacheTTL
	}
	return 15 * time.Minute
}

func (r *KeyResolver) fetchTimeout() time.Duration {
	if r.FetchTimeout > 0 {
		return r.FetchTimeout
	}
	return 5 * time.Second
}

func (r *KeyResolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
