// Package config provides configuration loading for the tenant node
// server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Hosting  HostingConfig  `mapstructure:"hosting"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Tenants  []TenantConfig `mapstructure:"tenants"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // postgres, memory
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL URL used by the migration runner.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HostingConfig describes how tenant host ids map to org URLs. The
// URL template contains a single "$" that is replaced by the host id,
// for example "https://$.opr.example.org".
type HostingConfig struct {
	URLTemplate string `mapstructure:"url_template"`
}

// IngestConfig tunes the offer ingestion scheduler.
type IngestConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	FailureBackoff time.Duration `mapstructure:"failure_backoff"`
	MaxPageSize    int           `mapstructure:"max_page_size"`
}

// TenantConfig configures one hosted organization.
type TenantConfig struct {
	HostID        string   `mapstructure:"host_id"`
	Name          string   `mapstructure:"name"`
	EnrollmentURL string   `mapstructure:"enrollment_url"`
	TermsURL      string   `mapstructure:"terms_url"`
	PrivateKey    string   `mapstructure:"private_key"` // path to a JWK file
	ListingPolicy Factory  `mapstructure:"listing_policy"`
	Producers     []string `mapstructure:"producers"` // peer org URLs to ingest from
	// AccessControlList names the org URLs allowed to call this tenant.
	// "*" admits every verified org.
	AccessControlList []string `mapstructure:"access_control_list"`
	// Endpoints overrides where the tenant's endpoints are mounted
	// under the tenant root.
	Endpoints EndpointsConfig `mapstructure:"endpoints"`
	// ScopesDisabled skips token scope enforcement for this tenant.
	ScopesDisabled bool `mapstructure:"scopes_disabled"`
	// StrictCorrectness also validates outgoing response bodies.
	StrictCorrectness bool `mapstructure:"strict_correctness"`
}

// EndpointsConfig holds per-endpoint path overrides. Empty fields keep
// the handler package defaults.
type EndpointsConfig struct {
	OrgFile        string `mapstructure:"org_file"`
	JWKS           string `mapstructure:"jwks"`
	ListProducts   string `mapstructure:"list_products"`
	AcceptProduct  string `mapstructure:"accept_product"`
	RejectProduct  string `mapstructure:"reject_product"`
	ReserveProduct string `mapstructure:"reserve_product"`
	History        string `mapstructure:"history"`
}

// Factory is a named, factory-constructed config section.
type Factory struct {
	Factory string         `mapstructure:"factory"`
	Options map[string]any `mapstructure:"options"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/opr")

	v.SetEnvPrefix("OPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	// Storage defaults
	v.SetDefault("storage.driver", "postgres")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "opr")
	v.SetDefault("database.password", "opr")
	v.SetDefault("database.database", "opr")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Ingest defaults
	v.SetDefault("ingest.poll_interval", "1m")
	v.SetDefault("ingest.failure_backoff", "10s")
	v.SetDefault("ingest.max_page_size", 100)
}
