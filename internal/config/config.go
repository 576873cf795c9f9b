// Package config provides configuration loading for the KeyGuard gateway.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig              `mapstructure:"server"`
	Log         LogConfig                 `mapstructure:"log"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Security    SecurityConfig            `mapstructure:"security"`
	Nonce       NonceConfig               `mapstructure:"nonce"`
	KeyDir      KeyDirConfig              `mapstructure:"keydir"`
	Enrollment  EnrollmentConfig          `mapstructure:"enrollment"`
	RateLimit   RateLimitConfig           `mapstructure:"ratelimit"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Credentials CredentialsConfig         `mapstructure:"credentials"`
	Proxy       ProxyConfig               `mapstructure:"proxy"`
	Audit       AuditConfig               `mapstructure:"audit"`
	Admin       AdminConfig               `mapstructure:"admin"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ShutdownWait time.Duration `mapstructure:"shutdown_wait"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // memory, postgres
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

// URL returns the connection string in URL form, as golang-migrate expects it.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SecurityConfig holds request signature settings.
type SecurityConfig struct {
	FreshnessWindow     time.Duration `mapstructure:"freshness_window"`
	Algorithms          []string      `mapstructure:"algorithms"`
	MaxBodyBytes        int64         `mapstructure:"max_body_bytes"`
	ExposeVerifyReasons bool          `mapstructure:"expose_verify_reasons"`
}

// NonceConfig holds replay cache settings. Records are kept for as long as the
// envelope that produced them could still pass the freshness check.
type NonceConfig struct {
	Backend       string        `mapstructure:"backend"` // memory, redis
	Capacity      int           `mapstructure:"capacity"`
	Shards        int           `mapstructure:"shards"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

// KeyDirConfig holds key directory cache settings.
type KeyDirConfig struct {
	CacheSize           int           `mapstructure:"cache_size"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	InvalidationChannel string        `mapstructure:"invalidation_channel"`
}

// EnrollmentConfig holds device enrollment policy.
type EnrollmentConfig struct {
	CodeTTL              time.Duration `mapstructure:"code_ttl"`
	AutoActivate         bool          `mapstructure:"auto_activate"`
	DuplicateFingerprint string        `mapstructure:"duplicate_fingerprint"` // reject, supersede
	AllowCodeless        bool          `mapstructure:"allow_codeless"`
}

// RateLimitConfig holds per-device and per-API-key request limits.
// A zero limit disables that dimension.
type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Backend   string        `mapstructure:"backend"` // memory, redis
	PerDevice int           `mapstructure:"per_device"`
	PerKey    int           `mapstructure:"per_key"`
	Window    time.Duration `mapstructure:"window"`
}

// ProviderConfig overrides one entry of the provider table.
type ProviderConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	Credential string `mapstructure:"credential"`
	APIVersion string `mapstructure:"api_version"`
}

// CredentialsConfig selects where provider secrets are read from.
type CredentialsConfig struct {
	Source    string        `mapstructure:"source"` // env, openbao
	EnvPrefix string        `mapstructure:"env_prefix"`
	OpenBao   OpenBaoConfig `mapstructure:"openbao"`
}

// OpenBaoConfig holds OpenBao KV configuration.
type OpenBaoConfig struct {
	Address   string        `mapstructure:"address"`
	Token     string        `mapstructure:"token"`
	Namespace string        `mapstructure:"namespace"`
	Mount     string        `mapstructure:"mount"`
	Path      string        `mapstructure:"path"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// ProxyConfig holds upstream call timeouts.
type ProxyConfig struct {
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	MaxStreamDuration     time.Duration `mapstructure:"max_stream_duration"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
}

// AuditConfig holds audit emitter settings.
type AuditConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	Sinks         []string      `mapstructure:"sinks"` // log, database
	RetryAttempts uint64        `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// AdminConfig holds the administrative API token. An empty token disables the
// administrative routes.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/keyguard")

	v.SetEnvPrefix("KEYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Secrets without defaults are not picked up by AutomaticEnv on Unmarshal.
	_ = v.BindEnv("admin.token", "KEYGUARD_ADMIN_TOKEN")
	_ = v.BindEnv("credentials.openbao.token", "KEYGUARD_CREDENTIALS_OPENBAO_TOKEN")
	_ = v.BindEnv("database.password", "KEYGUARD_DATABASE_PASSWORD")
	_ = v.BindEnv("redis.password", "KEYGUARD_REDIS_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	if c.Security.FreshnessWindow <= 0 {
		errs = append(errs, errors.New("security.freshness_window must be positive"))
	}
	if len(c.Security.Algorithms) == 0 {
		errs = append(errs, errors.New("security.algorithms must not be empty"))
	}
	if c.Security.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("security.max_body_bytes must be positive"))
	}

	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.Nonce.Backend {
	case "memory":
		if c.Nonce.Capacity <= 0 || c.Nonce.Shards <= 0 {
			errs = append(errs, errors.New("nonce.capacity and nonce.shards must be positive"))
		}
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("nonce.backend redis requires redis.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("nonce.backend %q is not supported", c.Nonce.Backend))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("ratelimit.window must be positive"))
		}
		if c.RateLimit.Backend == "redis" && !c.Redis.Enabled {
			errs = append(errs, errors.New("ratelimit.backend redis requires redis.enabled"))
		}
	}

	switch c.Enrollment.DuplicateFingerprint {
	case "reject", "supersede":
	default:
		errs = append(errs, fmt.Errorf("enrollment.duplicate_fingerprint %q is not supported", c.Enrollment.DuplicateFingerprint))
	}

	switch c.Credentials.Source {
	case "env":
	case "openbao":
		if c.Credentials.OpenBao.Address == "" || c.Credentials.OpenBao.Token == "" {
			errs = append(errs, errors.New("credentials.openbao requires address and token"))
		}
	default:
		errs = append(errs, fmt.Errorf("credentials.source %q is not supported", c.Credentials.Source))
	}

	for _, sink := range c.Audit.Sinks {
		if sink == "database" && c.Database.Driver != "postgres" {
			errs = append(errs, errors.New("audit sink database requires database.driver postgres"))
		}
	}

	return errors.Join(errs...)
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_wait", "30s")

	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "keyguard")
	v.SetDefault("database.password", "keyguard")
	v.SetDefault("database.database", "keyguard")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("security.freshness_window", "5m")
	v.SetDefault("security.algorithms", []string{"kg1-ecdsa-p256-sha256", "kg1-ed25519", "kg1-secp256k1-sha256"})
	v.SetDefault("security.max_body_bytes", 10<<20)
	v.SetDefault("security.expose_verify_reasons", false)

	v.SetDefault("nonce.backend", "memory")
	v.SetDefault("nonce.capacity", 1_000_000)
	v.SetDefault("nonce.shards", 64)
	v.SetDefault("nonce.sweep_interval", "30s")
	v.SetDefault("nonce.key_prefix", "keyguard:nonce:")

	v.SetDefault("keydir.cache_size", 10_000)
	v.SetDefault("keydir.cache_ttl", "30s")
	v.SetDefault("keydir.invalidation_channel", "keyguard:keydir:invalidate")

	v.SetDefault("enrollment.code_ttl", "24h")
	v.SetDefault("enrollment.auto_activate", false)
	v.SetDefault("enrollment.duplicate_fingerprint", "reject")
	v.SetDefault("enrollment.allow_codeless", false)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.per_device", 120)
	v.SetDefault("ratelimit.per_key", 600)
	v.SetDefault("ratelimit.window", "1m")

	v.SetDefault("credentials.source", "env")
	v.SetDefault("credentials.env_prefix", "KEYGUARD_PROVIDER_")
	v.SetDefault("credentials.openbao.address", "http://localhost:8200")
	v.SetDefault("credentials.openbao.mount", "secret")
	v.SetDefault("credentials.openbao.path", "keyguard/providers")
	v.SetDefault("credentials.openbao.cache_ttl", "1m")

	v.SetDefault("proxy.dial_timeout", "10s")
	v.SetDefault("proxy.response_header_timeout", "60s")
	v.SetDefault("proxy.max_stream_duration", "10m")
	v.SetDefault("proxy.idle_timeout", "2m")

	v.SetDefault("audit.queue_size", 4096)
	v.SetDefault("audit.sinks", []string{"log"})
	v.SetDefault("audit.retry_attempts", 3)
	v.SetDefault("audit.retry_backoff", "100ms")
}
