package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the engine configuration. A change of Version is what makes a
// "new version of the engine" exist: the runtime stages a fresh controller
// whose partition names are qualified by the new identifier.
type Config struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	OriginURL      string   `mapstructure:"origin_url"`
	StorePath      string   `mapstructure:"store_path"`
	Version        string   `mapstructure:"version"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Install manifest: URLs pre-fetched during install. Install fails
	// atomically if any of them cannot be fetched.
	PrecacheManifest []string `mapstructure:"precache_manifest"`

	// OfflinePath is the pre-cached fallback document served to navigations
	// when both network and cache come up empty.
	OfflinePath string `mapstructure:"offline_path"`

	// Classifier surfaces.
	StaticPrefixes   []string `mapstructure:"static_prefixes"`
	StaticPaths      []string `mapstructure:"static_paths"`
	StaticExtensions []string `mapstructure:"static_extensions"`
	APIPrefixes      []string `mapstructure:"api_prefixes"`
	ExcludePrefixes  []string `mapstructure:"exclude_prefixes"`

	// Strategy tuning.
	APITTLSec            int     `mapstructure:"api_ttl_sec"`             // freshness window for api entries
	MaxBodyBytes         int64   `mapstructure:"max_body_bytes"`          // larger bodies are served but not stored
	RevalidateRatePerSec float64 `mapstructure:"revalidate_rate_per_sec"` // token bucket for background refreshes; 0 = unlimited
	RevalidateBurst      int     `mapstructure:"revalidate_burst"`

	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`

	// Observability.
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"` // json or text
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	MetricsToken      string  `mapstructure:"metrics_token"` // empty leaves /engine/metrics open
}

// Defaults mirror the Ireti POS Light deployment this engine fronts: its
// static tree, its read-only data endpoints, and its authenticated surfaces.
func setDefaults() {
	viper.SetDefault("listen_addr", ":8787")
	viper.SetDefault("origin_url", "http://127.0.0.1:8000")
	viper.SetDefault("store_path", "./engine-cache.db")
	viper.SetDefault("version", "v1.0.3")
	viper.SetDefault("allowed_origins", []string{"*"})

	viper.SetDefault("precache_manifest", []string{
		"/",
		"/offline/",
		"/static/manifest.webmanifest",
		"/static/css/base.css",
		"/static/js/app.js",
		"/static/js/register.js",
		"/static/img/icons/icon-192x192.png",
		"/static/img/icons/icon-512x512.png",
	})
	viper.SetDefault("offline_path", "/offline/")

	viper.SetDefault("static_prefixes", []string{"/static/"})
	viper.SetDefault("static_paths", []string{"/offline/", "/manifest.webmanifest", "/favicon.ico"})
	viper.SetDefault("static_extensions", []string{
		"css", "js", "mjs", "map",
		"png", "jpg", "jpeg", "gif", "svg", "ico", "webp",
		"woff", "woff2", "ttf", "eot",
		"webmanifest",
	})
	viper.SetDefault("api_prefixes", []string{
		"/api/",
		"/register/product_lookup/",
		"/retail_display/",
	})
	viper.SetDefault("exclude_prefixes", []string{
		"/user/",
		"/staff_portal/",
		"/admin",
		"/administration/",
		"/payments/",
		"/cart/",
		"/endTransaction/",
		"/start-stripe-payment/",
		"/complete-stripe-payment/",
		"/csrf",
	})

	viper.SetDefault("api_ttl_sec", 3600)
	viper.SetDefault("max_body_bytes", 8*1024*1024)
	viper.SetDefault("revalidate_rate_per_sec", 0) // 0 = disabled
	viper.SetDefault("revalidate_burst", 0)

	viper.SetDefault("shutdown_timeout_sec", 15)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("tracing_endpoint", "")
	viper.SetDefault("tracing_sample_rate", 1.0)
	viper.SetDefault("metrics_token", "")
}

func Load() (*Config, error) {
	viper.SetConfigName("engine")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/ireti/")
	viper.AddConfigPath("$HOME/.ireti")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvPrefix("IRETI")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; defaults and env vars apply.
	}

	cfg := new(Config)
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch re-reads the config whenever the file changes and hands the result to
// onChange. This is how a newly deployed engine version announces itself to a
// running process.
func Watch(onChange func(*Config)) {
	viper.OnConfigChange(func(fsnotify.Event) {
		cfg := new(Config)
		if err := viper.Unmarshal(cfg); err != nil {
			return
		}
		if err := cfg.Validate(); err != nil {
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version must not be empty")
	}
	u, err := url.Parse(c.OriginURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin_url %q is not an absolute URL", c.OriginURL)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}
	for _, m := range c.PrecacheManifest {
		if !strings.HasPrefix(m, "/") {
			return fmt.Errorf("precache_manifest entry %q must be origin-relative", m)
		}
	}
	if c.OfflinePath != "" && !strings.HasPrefix(c.OfflinePath, "/") {
		return fmt.Errorf("offline_path %q must be origin-relative", c.OfflinePath)
	}
	return nil
}

// APITTL returns the freshness window for read-only-api entries.
func (c *Config) APITTL() time.Duration {
	return time.Duration(c.APITTLSec) * time.Second
}

// ShutdownTimeout returns the graceful shutdown wait.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}
