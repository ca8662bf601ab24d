// Package config loads the gallery-oauth binary's configuration from a YAML
// file, an optional .env file and GALLERY_* environment variables, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/gallery-oauth/security"
	"github.com/giantswarm/gallery-oauth/server"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "GALLERY_"

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverValkey   = "valkey"
)

// Lockout backends
const (
	LockoutMemory = "memory"
	LockoutRedis  = "redis"
)

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config is the complete binary configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Lockout   LockoutConfig   `yaml:"lockout"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Audit     AuditConfig     `yaml:"audit"`

	// Clients and Users are created at startup when missing
	Clients []ClientSeed `yaml:"clients"`
	Users   []UserSeed   `yaml:"users"`
}

type ServerConfig struct {
	Addr                   string        `yaml:"addr"`
	Issuer                 string        `yaml:"issuer"`
	TrustProxy             bool          `yaml:"trust_proxy"`
	TrustedProxyCount      int           `yaml:"trusted_proxy_count"`
	AllowInsecureHTTP      bool          `yaml:"allow_insecure_http"`
	AllowInsecureRedirects bool          `yaml:"allow_insecure_redirects"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
	Valkey   ValkeyConfig   `yaml:"valkey"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LockoutConfig selects where client authentication failures are counted.
// The redis backend shares lockouts between replicas.
type LockoutConfig struct {
	Backend       string        `yaml:"backend"`
	Threshold     int           `yaml:"threshold"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	FailureWindow time.Duration `yaml:"failure_window"`
	Redis         RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type OAuthConfig struct {
	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `yaml:"refresh_token_ttl"`
	TransactionTTL       time.Duration `yaml:"transaction_ttl"`
	RotateRefreshTokens  bool          `yaml:"rotate_refresh_tokens"`
	DefaultScope         string        `yaml:"default_scope"`
	SupportedScopes      []string      `yaml:"supported_scopes"`
	BcryptCost           int           `yaml:"bcrypt_cost"`
}

type SessionConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	Secure bool          `yaml:"secure"`
}

// RateLimitConfig is per client IP. A negative rate disables the limiter.
type RateLimitConfig struct {
	LoginPerMinute int `yaml:"login_per_minute"`
	LoginBurst     int `yaml:"login_burst"`
	TokenPerMinute int `yaml:"token_per_minute"`
	TokenBurst     int `yaml:"token_burst"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // none | prometheus
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ClientSeed registers a client at startup. The secret may be given inline
// or through the environment variable named by SecretEnv.
type ClientSeed struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Secret        string   `yaml:"secret"`
	SecretEnv     string   `yaml:"secret_env"`
	Trusted       bool     `yaml:"trusted"`
	RedirectURIs  []string `yaml:"redirect_uris"`
	AllowedScopes []string `yaml:"allowed_scopes"`
}

// UserSeed creates a resource owner at startup
type UserSeed struct {
	Username    string `yaml:"username"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error unless
// required is set.
func LoadDotEnv(path string, required bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML file at path (optional when empty), applies defaults
// and GALLERY_* overrides, and validates the result.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("error loading config from %s: %w", path, err)
		}
	}

	c.applyDefaults()
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := c.resolveSeedSecrets(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3005"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = LogFormatJSON
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Lockout.Backend == "" {
		c.Lockout.Backend = LockoutMemory
	}
	if c.Metrics.Exporter == "" {
		c.Metrics.Exporter = "none"
		if c.Metrics.Enabled {
			c.Metrics.Exporter = "prometheus"
		}
	}
}

func getEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	return v, v != ""
}

// applyEnvOverrides layers GALLERY_* variables over the file. Malformed
// values are reported rather than ignored.
func (c *Config) applyEnvOverrides() error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := getEnv(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := getEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := getEnv(key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = i
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := getEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Server.Addr)
	str("ISSUER", &c.Server.Issuer)
	boolean("TRUST_PROXY", &c.Server.TrustProxy)
	integer("TRUSTED_PROXY_COUNT", &c.Server.TrustedProxyCount)
	boolean("ALLOW_INSECURE_HTTP", &c.Server.AllowInsecureHTTP)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("POSTGRES_DSN", &c.Storage.Postgres.DSN)
	str("POSTGRES_SCHEMA", &c.Storage.Postgres.Schema)
	str("VALKEY_ADDR", &c.Storage.Valkey.Address)
	str("VALKEY_PASSWORD", &c.Storage.Valkey.Password)
	integer("VALKEY_DB", &c.Storage.Valkey.DB)

	str("LOCKOUT_BACKEND", &c.Lockout.Backend)
	integer("LOCKOUT_THRESHOLD", &c.Lockout.Threshold)
	duration("LOCKOUT_BASE_DELAY", &c.Lockout.BaseDelay)
	str("REDIS_ADDR", &c.Lockout.Redis.Addr)
	str("REDIS_PASSWORD", &c.Lockout.Redis.Password)

	duration("ACCESS_TOKEN_TTL", &c.OAuth.AccessTokenTTL)
	duration("REFRESH_TOKEN_TTL", &c.OAuth.RefreshTokenTTL)
	boolean("ROTATE_REFRESH_TOKENS", &c.OAuth.RotateRefreshTokens)

	duration("SESSION_TTL", &c.Session.TTL)
	boolean("SESSION_SECURE", &c.Session.Secure)

	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	str("METRICS_EXPORTER", &c.Metrics.Exporter)
	boolean("AUDIT_ENABLED", &c.Audit.Enabled)

	return errors.Join(errs...)
}

func (c *Config) resolveSeedSecrets() error {
	for i := range c.Clients {
		seed := &c.Clients[i]
		if seed.Secret == "" && seed.SecretEnv != "" {
			seed.Secret = os.Getenv(seed.SecretEnv)
			if seed.Secret == "" {
				return fmt.Errorf("client %q: environment variable %s is empty", seed.ID, seed.SecretEnv)
			}
		}
	}
	for i := range c.Users {
		seed := &c.Users[i]
		if seed.Password == "" && seed.PasswordEnv != "" {
			seed.Password = os.Getenv(seed.PasswordEnv)
			if seed.Password == "" {
				return fmt.Errorf("user %q: environment variable %s is empty", seed.Username, seed.PasswordEnv)
			}
		}
	}
	return nil
}

// Validate reports every problem in the configuration at once
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case LogFormatJSON, LogFormatText:
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
	case DriverValkey:
		if c.Storage.Valkey.Address == "" {
			errs = append(errs, errors.New("storage.valkey.address is required for the valkey driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Lockout.Backend {
	case LockoutMemory:
	case LockoutRedis:
		if c.Lockout.Redis.Addr == "" {
			errs = append(errs, errors.New("lockout.redis.addr is required for the redis lockout backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lockout.backend %q", c.Lockout.Backend))
	}

	switch c.Metrics.Exporter {
	case "none", "prometheus":
	default:
		errs = append(errs, fmt.Errorf("metrics.exporter must be none or prometheus, got %q", c.Metrics.Exporter))
	}

	for name, d := range map[string]time.Duration{
		"oauth.authorization_code_ttl": c.OAuth.AuthorizationCodeTTL,
		"oauth.access_token_ttl":       c.OAuth.AccessTokenTTL,
		"oauth.refresh_token_ttl":      c.OAuth.RefreshTokenTTL,
		"oauth.transaction_ttl":        c.OAuth.TransactionTTL,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		} else if d > 0 && d < time.Second {
			errs = append(errs, fmt.Errorf("%s must be at least 1s", name))
		}
	}

	clientIDs := make(map[string]bool, len(c.Clients))
	for i, seed := range c.Clients {
		switch {
		case seed.ID == "":
			errs = append(errs, fmt.Errorf("clients[%d]: id is required", i))
		case clientIDs[seed.ID]:
			errs = append(errs, fmt.Errorf("clients[%d]: duplicate id %q", i, seed.ID))
		}
		clientIDs[seed.ID] = true
		if seed.Secret == "" {
			errs = append(errs, fmt.Errorf("clients[%d]: secret or secret_env is required", i))
		}
		if len(seed.RedirectURIs) == 0 {
			errs = append(errs, fmt.Errorf("clients[%d]: at least one redirect URI is required", i))
		}
	}

	usernames := make(map[string]bool, len(c.Users))
	for i, seed := range c.Users {
		switch {
		case seed.Username == "":
			errs = append(errs, fmt.Errorf("users[%d]: username is required", i))
		case usernames[seed.Username]:
			errs = append(errs, fmt.Errorf("users[%d]: duplicate username %q", i, seed.Username))
		}
		usernames[seed.Username] = true
		if seed.Password == "" {
			errs = append(errs, fmt.Errorf("users[%d]: password or password_env is required", i))
		}
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name to its slog.Level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", level)
	}
	return l, nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// ServerConfig returns the authorization server configuration. Zero values
// are left for the server's own secure defaults.
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:                 c.Server.Issuer,
		AuthorizationCodeTTL:   seconds(c.OAuth.AuthorizationCodeTTL),
		AccessTokenTTL:         seconds(c.OAuth.AccessTokenTTL),
		RefreshTokenTTL:        seconds(c.OAuth.RefreshTokenTTL),
		TransactionTTL:         seconds(c.OAuth.TransactionTTL),
		RotateRefreshTokens:    c.OAuth.RotateRefreshTokens,
		DefaultScope:           c.OAuth.DefaultScope,
		SupportedScopes:        c.OAuth.SupportedScopes,
		AllowInsecureHTTP:      c.Server.AllowInsecureHTTP,
		AllowInsecureRedirects: c.Server.AllowInsecureRedirects,
		BcryptCost:             c.OAuth.BcryptCost,
		Lockout:                c.LockoutPolicy(),
		TrustProxy:             c.Server.TrustProxy,
		TrustedProxyCount:      c.Server.TrustedProxyCount,
	}
}

// LockoutPolicy returns the configured lockout policy
func (c *Config) LockoutPolicy() security.LockoutPolicy {
	return security.LockoutPolicy{
		Threshold:     c.Lockout.Threshold,
		BaseDelay:     c.Lockout.BaseDelay,
		MaxDelay:      c.Lockout.MaxDelay,
		FailureWindow: c.Lockout.FailureWindow,
	}
}
