// Package orgconfig resolves peer organizations' published org.json
// documents and key sets, with caching.
package orgconfig

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
)

// URLMapper rewrites URLs before fetching. The identity mapper is used
// in production; tests remap org URLs onto local listeners.
type URLMapper func(url string) string

// IdentityMapper returns the URL unchanged.
func IdentityMapper(url string) string { return url }

// Resolver looks up a peer org's config and key set.
type Resolver interface {
	Get(ctx context.Context, orgURL string) (*models.OrgConfig, error)
	GetJWKS(ctx context.Context, orgURL string) (jwk.Set, error)
}

// HTTPResolver fetches org configs over HTTP, caching both the config
// and the parsed key set.
type HTTPResolver struct {
	client      *http.Client
	mapper      URLMapper
	configCache Cache
	jwksCache   Cache
	ttl         time.Duration
}

// Option configures an HTTPResolver.
type Option func(*HTTPResolver)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *HTTPResolver) { r.client = c }
}

// WithURLMapper overrides the URL mapper.
func WithURLMapper(m URLMapper) Option {
	return func(r *HTTPResolver) { r.mapper = m }
}

// WithCaches overrides the config and JWKS caches.
func WithCaches(config, jwks Cache) Option {
	return func(r *HTTPResolver) {
		r.configCache = config
		r.jwksCache = jwks
	}
}

// WithTTL overrides the cache entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *HTTPResolver) { r.ttl = ttl }
}

// NewHTTPResolver creates a resolver with in-memory caches and a
// 30-second fetch timeout by default.
func NewHTTPResolver(opts ...Option) *HTTPResolver {
	r := &HTTPResolver{
		client:      &http.Client{Timeout: 30 * time.Second},
		mapper:      IdentityMapper,
		configCache: NewMemoryCache(),
		jwksCache:   NewMemoryCache(),
		ttl:         5 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get fetches (or returns the cached) org config published at orgURL.
func (r *HTTPResolver) Get(ctx context.Context, orgURL string) (*models.OrgConfig, error) {
	if data, ok, err := r.configCache.Get(ctx, orgURL); err == nil && ok {
		var cfg models.OrgConfig
		if err := json.Unmarshal(data, &cfg); err == nil {
			return &cfg, nil
		}
	}

	data, err := r.fetch(ctx, orgURL)
	if err != nil {
		return nil, err
	}
	var cfg models.OrgConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, oprerrors.Internal("ORG_CONFIG_MALFORMED",
			"org config at %s is not valid JSON", orgURL).WithCause(err)
	}

	if err := r.configCache.Set(ctx, orgURL, data, r.ttl); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetJWKS fetches (or returns the cached) key set declared by the org's
// config. A config without a jwksURL fails with NO_KEYSET_SPECIFIED.
func (r *HTTPResolver) GetJWKS(ctx context.Context, orgURL string) (jwk.Set, error) {
	if data, ok, err := r.jwksCache.Get(ctx, orgURL); err == nil && ok {
		if set, err := jwk.Parse(data); err == nil {
			return set, nil
		}
	}

	cfg, err := r.Get(ctx, orgURL)
	if err != nil {
		return nil, err
	}
	if cfg.JWKSURL == "" {
		return nil, oprerrors.Internal("NO_KEYSET_SPECIFIED",
			"org %s does not declare a jwksURL", orgURL)
	}

	data, err := r.fetch(ctx, cfg.JWKSURL)
	if err != nil {
		return nil, err
	}
	// Validate before caching so a bad fetch is never served twice.
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, oprerrors.Internal("ORG_CONFIG_MALFORMED",
			"key set for %s is not a valid JWKS", orgURL).WithCause(err)
	}

	if err := r.jwksCache.Set(ctx, orgURL, data, r.ttl); err != nil {
		return nil, err
	}
	return set, nil
}

func (r *HTTPResolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.mapper(url), nil)
	if err != nil {
		return nil, oprerrors.Internal("ORG_CONFIG_FETCH_FAILED", "bad org config URL %s", url).WithCause(err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, oprerrors.Internal("ORG_CONFIG_FETCH_FAILED", "failed to fetch %s", url).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, oprerrors.Internal("ORG_CONFIG_FETCH_FAILED",
			"fetching %s returned %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oprerrors.Internal("ORG_CONFIG_FETCH_FAILED",
			"failed to read %s", url).WithCause(err)
	}
	return data, nil
}
