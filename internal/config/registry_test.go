package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
)

func writeFile(t *testing.T, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(name, []byte(contents), 0o600))
}

type widget struct {
	Size  int      `mapstructure:"size"`
	Names []string `mapstructure:"names"`
}

func newWidgetRegistry() *Registry[*widget] {
	reg := NewRegistry[*widget]()
	reg.Register("Widget", func(options map[string]any) (*widget, error) {
		var w widget
		if err := DecodeOptions(options, &w); err != nil {
			return nil, err
		}
		return &w, nil
	})
	return reg
}

func TestRegistryBuild(t *testing.T) {
	reg := newWidgetRegistry()

	w, err := reg.Build(Factory{
		Factory: "Widget",
		Options: map[string]any{"size": 3, "names": []string{"a", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, w.Size)
	assert.Equal(t, []string{"a", "b"}, w.Names)
}

func TestRegistryBuildUnknownFactory(t *testing.T) {
	reg := newWidgetRegistry()

	_, err := reg.Build(Factory{Factory: "NoSuchWidget"})
	assert.True(t, oprerrors.HasCode(err, "CONFIG_UNKNOWN_FACTORY"))
}

func TestRegistryBuildRequiresFactoryName(t *testing.T) {
	reg := newWidgetRegistry()

	_, err := reg.Build(Factory{})
	assert.True(t, oprerrors.HasCode(err, "CONFIG_MISSING_FIELD"))
}

func TestDecodeOptionsRejectsWrongTypes(t *testing.T) {
	reg := newWidgetRegistry()

	_, err := reg.Build(Factory{
		Factory: "Widget",
		Options: map[string]any{"size": map[string]any{"not": "an int"}},
	})
	assert.True(t, oprerrors.HasCode(err, "CONFIG_WRONG_FACTORY_TYPE"))
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "dev", cfg.Server.Environment)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Contains(t, cfg.Database.DSN(), "sslmode=disable")
	assert.Contains(t, cfg.Database.URL(), "postgres://")
}

func TestLoadReadsConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFile(t, "config.yaml", `
server:
  port: 9090
storage:
  driver: memory
tenants:
  - host_id: mst3k
    name: Test Pantry
    scopes_disabled: true
    strict_correctness: true
    endpoints:
      list_products: /federation/list
      jwks: /keys.json
    listing_policy:
      factory: UniversalAcceptListingPolicy
      options:
        orgUrls:
          - https://peer.example.org/org.json
`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	require.Len(t, cfg.Tenants, 1)
	assert.Equal(t, "mst3k", cfg.Tenants[0].HostID)
	assert.True(t, cfg.Tenants[0].ScopesDisabled)
	assert.True(t, cfg.Tenants[0].StrictCorrectness)
	assert.Equal(t, "/federation/list", cfg.Tenants[0].Endpoints.ListProducts)
	assert.Equal(t, "/keys.json", cfg.Tenants[0].Endpoints.JWKS)
	assert.Empty(t, cfg.Tenants[0].Endpoints.OrgFile)
	assert.Equal(t, "UniversalAcceptListingPolicy", cfg.Tenants[0].ListingPolicy.Factory)
	assert.Contains(t, cfg.Tenants[0].ListingPolicy.Options, "orgUrls")
}
