// Package config loads the proxy configuration from a YAML file with
// OFFLINE_CACHE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/tracing"
	"github.com/always-cache/offline-cache/policy"
	"github.com/always-cache/offline-cache/router"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "OFFLINE_CACHE_"

type Config struct {
	// Origin URL to proxy to.
	Origin string `yaml:"origin" env:"ORIGIN" validate:"required,url"`
	// Hostname to use for requests and TLS, if the origin is an address.
	OriginHost string `yaml:"originHost" env:"ORIGIN_HOST"`
	Port       int    `yaml:"port" env:"PORT" validate:"gt=0,lt=65536"`
	// Database file for cached responses; "memory" for an in-memory db.
	DB string `yaml:"db" env:"DB" validate:"required"`
	// Database file for records waiting for delivery; "memory" for an in-memory db.
	QueueDB  string `yaml:"queueDb" env:"QUEUE_DB" validate:"required"`
	LogFile  string `yaml:"logFile" env:"LOG_FILE"`
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL" validate:"omitempty,oneof=trace debug info warn error"`
	// Cache version tag; changing it retires all partitions of the previous version.
	Version string `yaml:"version" env:"VERSION" validate:"required"`
	// Path prefix of the control endpoints.
	ControlPrefix string `yaml:"controlPrefix" env:"CONTROL_PREFIX" validate:"required,startswith=/"`
	// App shell resources stored on install.
	Precache []string `yaml:"precache" env:"PRECACHE"`
	// Also store the assets linked from the root document on install.
	DiscoverAssets bool `yaml:"discoverAssets" env:"DISCOVER_ASSETS"`
	// Extra resources stored with the discovered assets.
	CriticalResources []string `yaml:"criticalResources"`
	// Stay installed until a SKIP_WAITING message arrives.
	WaitForSkipWaiting bool `yaml:"waitForSkipWaiting" env:"WAIT_FOR_SKIP_WAITING"`
	// Partitions with these prefixes survive activation.
	ReservedPrefixes []string `yaml:"reservedPrefixes" env:"RESERVED_PREFIXES"`
	// Query parameters (regular expressions) left out of cache keys.
	IgnoredParams   []string `yaml:"ignoredParams"`
	GenericStrategy string   `yaml:"genericStrategy" env:"GENERIC_STRATEGY" validate:"oneof=cache-first stale-while-revalidate"`
	Metrics         bool     `yaml:"metrics" env:"METRICS"`

	Rules      router.Rules     `yaml:"rules"`
	Fallbacks  policy.Fallbacks `yaml:"fallbacks"`
	Expiration ExpirationConfig `yaml:"expiration" envPrefix:"EXPIRATION_"`
	Sync       SyncConfig       `yaml:"sync" envPrefix:"SYNC_"`
	Tracing    tracing.Config   `yaml:"tracing" envPrefix:"TRACING_"`
}

// ExpirationConfig bounds the runtime partitions. The app shell is never expired.
type ExpirationConfig struct {
	Assets cache.Expiration `yaml:"assets" envPrefix:"ASSETS_"`
	Images cache.Expiration `yaml:"images" envPrefix:"IMAGES_"`
}

type SyncConfig struct {
	// Collection endpoint; defaults to <origin>/api/entries.
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
	RetrySpec   string `yaml:"retrySpec" env:"RETRY_SPEC" validate:"required"`
	MaxAttempts int    `yaml:"maxAttempts" env:"MAX_ATTEMPTS" validate:"gt=0"`
	Concurrency int    `yaml:"concurrency" env:"CONCURRENCY" validate:"gt=0"`
}

func Default() Config {
	return Config{
		Port:          8080,
		DB:            "offline-cache.db",
		QueueDB:       "offline-queue.db",
		LogLevel:      "debug",
		Version:       "v2",
		ControlPrefix: "/.offline",
		Precache: []string{
			"/",
			"/index.html",
			"/src/main.tsx",
			"/src/App.css",
			"/src/index.css",
			"/manifest.json",
			"/logo/logo.png",
			"/logo/logo192.png",
			"/logo/logo512.png",
		},
		DiscoverAssets: true,
		CriticalResources: []string{
			"/",
			"/index.html",
			"/src/main.tsx",
			"/manifest.json",
			"/logo/icon-192.png",
			"/logo/icon-512.png",
			"/logo/icon-144.png",
			"/@vite/client",
			"/@react-refresh",
			"/node_modules/vite/dist/client/env.mjs",
		},
		ReservedPrefixes: []string{"workbox"},
		IgnoredParams:    []string{`^utm_`, `^fbclid$`},
		GenericStrategy:  policy.StrategyCacheFirst,
		Metrics:          true,
		Rules:            router.DefaultRules(),
		Fallbacks:        policy.DefaultFallbacks(),
		Expiration: ExpirationConfig{
			Assets: cache.Expiration{MaxEntries: 200},
			Images: cache.Expiration{MaxEntries: 60, MaxAge: 30 * 24 * time.Hour},
		},
		Sync: SyncConfig{
			RetrySpec:   "@every 30s",
			MaxAttempts: 3,
			Concurrency: 4,
		},
	}
}

// Load reads the YAML file (if filename is not empty) over the defaults
// and applies environment overrides.
func Load(filename string) (Config, error) {
	cfg := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(configBytes, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SyncEndpoint returns the collection endpoint records are delivered to.
func (c Config) SyncEndpoint() string {
	if c.Sync.Endpoint != "" {
		return c.Sync.Endpoint
	}
	return strings.TrimSuffix(c.Origin, "/") + "/api/entries"
}

// DBFilename maps the "memory" shorthand to an in-memory database.
func (c Config) DBFilename() string {
	return dbFilename(c.DB)
}

func (c Config) QueueDBFilename() string {
	return dbFilename(c.QueueDB)
}

func dbFilename(name string) string {
	if name == "memory" {
		return ""
	}
	return name
}
