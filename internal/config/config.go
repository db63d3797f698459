package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	KV       KVConfig       `yaml:"kv"`
	Vendor   VendorConfig   `yaml:"vendor"`
	Dialer   DialerConfig   `yaml:"dialer"`
	Auth     AuthConfig     `yaml:"auth"`
}

type APIConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type KVConfig struct {
	// URL accepts redis://host:port/db for standalone, or a comma-separated
	// host list for cluster mode.
	URL string `yaml:"url"`
}

type VendorConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	FromNumber     string `yaml:"from_number"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DialerConfig carries the concurrency, cadence and threshold knobs of the
// dispatch core.
type DialerConfig struct {
	MaxConcurrentPerWorker int `yaml:"max_concurrent_per_worker"`

	PreDialLeaseTTLSeconds int `yaml:"pre_dial_lease_ttl_seconds"`
	ActiveLeaseTTLSeconds  int `yaml:"active_lease_ttl_seconds"`

	JanitorIntervalSeconds    int `yaml:"janitor_interval_seconds"`
	ReconcilerIntervalSeconds int `yaml:"reconciler_interval_seconds"`
	CompactorIntervalSeconds  int `yaml:"compactor_interval_seconds"`
	MonitorIntervalSeconds    int `yaml:"monitor_interval_seconds"`
	LedgerGraceSeconds        int `yaml:"ledger_grace_seconds"`

	WaitlistAgingMs      int `yaml:"waitlist_aging_ms"`
	PromotionBatchSize   int `yaml:"promotion_batch_size"`
	PriorityHighWatermark int `yaml:"priority_high_watermark"`

	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`
	CircuitCooldownSeconds  int `yaml:"circuit_cooldown_seconds"`

	ColdStartSeconds     int `yaml:"cold_start_seconds"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// Load reads the YAML file, applies env overrides and defaults, and
// validates. Startup must exit with code 2 on error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %w", err)
	}

	overrideWithEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overrideWithEnv lets deployment secrets come from the environment.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("DIALHUB_DB_USERNAME"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("DIALHUB_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DIALHUB_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DIALHUB_DB_DATABASE"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("DIALHUB_KV_URL"); v != "" {
		cfg.KV.URL = v
	}
	if v := os.Getenv("DIALHUB_VENDOR_API_KEY"); v != "" {
		cfg.Vendor.APIKey = v
	}
	if v := os.Getenv("DIALHUB_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func applyDefaults(cfg *Config) {
	d := &cfg.Dialer
	if d.MaxConcurrentPerWorker == 0 {
		d.MaxConcurrentPerWorker = 50
	}
	if d.PreDialLeaseTTLSeconds == 0 {
		d.PreDialLeaseTTLSeconds = 45
	}
	if d.ActiveLeaseTTLSeconds == 0 {
		d.ActiveLeaseTTLSeconds = 210
	}
	if d.JanitorIntervalSeconds == 0 {
		d.JanitorIntervalSeconds = 45
	}
	if d.ReconcilerIntervalSeconds == 0 {
		d.ReconcilerIntervalSeconds = 5
	}
	if d.CompactorIntervalSeconds == 0 {
		d.CompactorIntervalSeconds = 5
	}
	if d.MonitorIntervalSeconds == 0 {
		d.MonitorIntervalSeconds = 120
	}
	if d.LedgerGraceSeconds == 0 {
		d.LedgerGraceSeconds = 15
	}
	if d.WaitlistAgingMs == 0 {
		d.WaitlistAgingMs = 30000
	}
	if d.PromotionBatchSize == 0 {
		d.PromotionBatchSize = 5
	}
	if d.PriorityHighWatermark == 0 {
		d.PriorityHighWatermark = 7
	}
	if d.CircuitBreakerThreshold == 0 {
		d.CircuitBreakerThreshold = 5
	}
	if d.CircuitCooldownSeconds == 0 {
		d.CircuitCooldownSeconds = 30
	}
	if d.ColdStartSeconds == 0 {
		d.ColdStartSeconds = 60
	}
	if d.ShutdownGraceSeconds == 0 {
		d.ShutdownGraceSeconds = 30
	}
	if cfg.Vendor.TimeoutSeconds == 0 {
		cfg.Vendor.TimeoutSeconds = 10
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
}

// Validate checks the settings the process cannot run without.
func (c *Config) Validate() error {
	if c.KV.URL == "" {
		return fmt.Errorf("config: kv.url is required")
	}
	if c.Database.Host == "" || c.Database.Database == "" {
		return fmt.Errorf("config: database.host and database.database are required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	if c.Dialer.PreDialLeaseTTLSeconds < 30 || c.Dialer.PreDialLeaseTTLSeconds > 60 {
		return fmt.Errorf("config: pre_dial_lease_ttl_seconds must be within 30..60")
	}
	if c.Dialer.ActiveLeaseTTLSeconds < 180 || c.Dialer.ActiveLeaseTTLSeconds > 240 {
		return fmt.Errorf("config: active_lease_ttl_seconds must be within 180..240")
	}
	return nil
}

// Address returns the API listen address.
func (a APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// DSN returns the MySQL Data Source Name.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}

// VendorTimeout returns the request timeout for vendor calls.
func (v VendorConfig) VendorTimeout() time.Duration {
	return time.Duration(v.TimeoutSeconds) * time.Second
}
