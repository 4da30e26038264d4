package orgconfig

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
)

type orgServer struct {
	t       *testing.T
	cfg     models.OrgConfig
	keySet  jwk.Set
	fetches atomic.Int64
}

func (s *orgServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.fetches.Add(1)
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/org.json":
		require.NoError(s.t, json.NewEncoder(w).Encode(s.cfg))
	case "/jwks.json":
		require.NoError(s.t, json.NewEncoder(w).Encode(s.keySet))
	default:
		http.NotFound(w, r)
	}
}

func newOrgServer(t *testing.T, withJWKS bool) (*orgServer, *httptest.Server) {
	t.Helper()
	s := &orgServer{t: t}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	s.cfg = models.OrgConfig{
		Name:                    "Peer",
		OrganizationURL:         srv.URL + "/org.json",
		ListProductsEndpointURL: srv.URL + "/api/list",
	}
	if withJWKS {
		raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		key, err := jwk.FromRaw(raw)
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.ES256))
		require.NoError(t, key.Set(jwk.KeyIDKey, "peer-key"))
		pub, err := key.PublicKey()
		require.NoError(t, err)
		set := jwk.NewSet()
		require.NoError(t, set.AddKey(pub))
		s.keySet = set
		s.cfg.JWKSURL = srv.URL + "/jwks.json"
	}
	return s, srv
}

func TestResolverFetchesAndCachesOrgConfig(t *testing.T) {
	server, srv := newOrgServer(t, false)
	resolver := NewHTTPResolver(WithHTTPClient(srv.Client()))
	orgURL := srv.URL + "/org.json"

	cfg, err := resolver.Get(context.Background(), orgURL)
	require.NoError(t, err)
	assert.Equal(t, "Peer", cfg.Name)
	assert.Equal(t, srv.URL+"/api/list", cfg.ListProductsEndpointURL)
	assert.Equal(t, int64(1), server.fetches.Load())

	// The second lookup is served from cache.
	_, err = resolver.Get(context.Background(), orgURL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), server.fetches.Load())
}

func TestResolverFetchesJWKS(t *testing.T) {
	server, srv := newOrgServer(t, true)
	resolver := NewHTTPResolver(WithHTTPClient(srv.Client()))
	orgURL := srv.URL + "/org.json"

	set, err := resolver.GetJWKS(context.Background(), orgURL)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	key, ok := set.Key(0)
	require.True(t, ok)
	assert.Equal(t, "peer-key", key.KeyID())
	// One fetch for org.json, one for jwks.json.
	assert.Equal(t, int64(2), server.fetches.Load())

	_, err = resolver.GetJWKS(context.Background(), orgURL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), server.fetches.Load())
}

func TestResolverRequiresDeclaredJWKS(t *testing.T) {
	_, srv := newOrgServer(t, false)
	resolver := NewHTTPResolver(WithHTTPClient(srv.Client()))

	_, err := resolver.GetJWKS(context.Background(), srv.URL+"/org.json")
	assert.True(t, oprerrors.HasCode(err, "NO_KEYSET_SPECIFIED"))
}

func TestResolverReportsFetchFailures(t *testing.T) {
	_, srv := newOrgServer(t, false)
	resolver := NewHTTPResolver(WithHTTPClient(srv.Client()))

	_, err := resolver.Get(context.Background(), srv.URL+"/missing.json")
	assert.True(t, oprerrors.HasCode(err, "ORG_CONFIG_FETCH_FAILED"))
}

func TestResolverURLMapper(t *testing.T) {
	_, srv := newOrgServer(t, false)
	resolver := NewHTTPResolver(
		WithHTTPClient(srv.Client()),
		WithURLMapper(func(string) string { return srv.URL + "/org.json" }),
	)

	// Every URL maps onto the local listener.
	cfg, err := resolver.Get(context.Background(), "https://peer.example.org/org.json")
	require.NoError(t, err)
	assert.Equal(t, "Peer", cfg.Name)
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Zero ttl means the entry never expires.
	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	data, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), data)
}
