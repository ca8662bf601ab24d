package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleConfig = `
server:
  addr: ":8443"
  issuer: https://auth.example.com
log:
  level: debug
  format: text
storage:
  driver: postgres
  postgres:
    dsn: postgres://gallery@localhost/gallery
oauth:
  access_token_ttl: 30m
  rotate_refresh_tokens: true
  supported_scopes: [profile, view_gallery, offline_access]
lockout:
  threshold: 3
  base_delay: 2s
clients:
  - id: photoprint
    name: Photoprint
    secret_env: PHOTOPRINT_SECRET
    redirect_uris: [https://photoprint.example.com/callback]
    allowed_scopes: [view_gallery, offline_access]
users:
  - username: alice
    email: alice@example.com
    password: correct horse battery
`

func TestLoad(t *testing.T) {
	t.Setenv("PHOTOPRINT_SECRET", "s3cret")
	path := writeFile(t, "config.yaml", sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.Server.Addr)
	assert.Equal(t, LogFormatText, cfg.Log.Format)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 30*time.Minute, cfg.OAuth.AccessTokenTTL)
	assert.Equal(t, LockoutMemory, cfg.Lockout.Backend, "default lockout backend")
	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, "s3cret", cfg.Clients[0].Secret)
	require.Len(t, cfg.Users, 1)

	sc := cfg.ServerConfig()
	assert.Equal(t, "https://auth.example.com", sc.Issuer)
	assert.Equal(t, int64(1800), sc.AccessTokenTTL)
	assert.Zero(t, sc.RefreshTokenTTL, "unset TTLs fall through to server defaults")
	assert.True(t, sc.RotateRefreshTokens)
	assert.Equal(t, 3, sc.Lockout.Threshold)
	assert.Equal(t, 2*time.Second, sc.Lockout.BaseDelay)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3005", cfg.Server.Addr)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, LogFormatJSON, cfg.Log.Format)
	assert.Equal(t, "none", cfg.Metrics.Exporter)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PHOTOPRINT_SECRET", "s3cret")
	t.Setenv("GALLERY_ADDR", ":9000")
	t.Setenv("GALLERY_STORAGE_DRIVER", "valkey")
	t.Setenv("GALLERY_VALKEY_ADDR", "localhost:6379")
	t.Setenv("GALLERY_ROTATE_REFRESH_TOKENS", "false")
	t.Setenv("GALLERY_METRICS_ENABLED", "true")
	t.Setenv("GALLERY_METRICS_EXPORTER", "prometheus")
	path := writeFile(t, "config.yaml", sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, DriverValkey, cfg.Storage.Driver)
	assert.Equal(t, "localhost:6379", cfg.Storage.Valkey.Address)
	assert.False(t, cfg.OAuth.RotateRefreshTokens)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "prometheus", cfg.Metrics.Exporter)
}

func TestLoad_MalformedEnv(t *testing.T) {
	t.Setenv("GALLERY_TRUST_PROXY", "perhaps")
	t.Setenv("GALLERY_ACCESS_TOKEN_TTL", "forever")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GALLERY_TRUST_PROXY")
	assert.Contains(t, err.Error(), "GALLERY_ACCESS_TOKEN_TTL")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", "server: [unterminated")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingSeedSecretEnv(t *testing.T) {
	t.Setenv("PHOTOPRINT_SECRET", "")
	path := writeFile(t, "config.yaml", sampleConfig)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PHOTOPRINT_SECRET")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Clients = []ClientSeed{{ID: "photoprint", Secret: "secret", RedirectURIs: []string{"https://p.example.com/cb"}}}
		c.Users = []UserSeed{{Username: "alice", Password: "correct horse battery"}}
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: "storage.driver"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = DriverPostgres }, wantErr: "storage.postgres.dsn"},
		{name: "valkey without address", mutate: func(c *Config) { c.Storage.Driver = DriverValkey }, wantErr: "storage.valkey.address"},
		{name: "redis lockout without addr", mutate: func(c *Config) { c.Lockout.Backend = LockoutRedis }, wantErr: "lockout.redis.addr"},
		{name: "bad exporter", mutate: func(c *Config) { c.Metrics.Exporter = "statsd" }, wantErr: "metrics.exporter"},
		{name: "sub-second ttl", mutate: func(c *Config) { c.OAuth.AccessTokenTTL = time.Millisecond }, wantErr: "oauth.access_token_ttl"},
		{name: "duplicate client", mutate: func(c *Config) { c.Clients = append(c.Clients, c.Clients[0]) }, wantErr: "duplicate id"},
		{name: "client without redirect", mutate: func(c *Config) { c.Clients[0].RedirectURIs = nil }, wantErr: "redirect URI"},
		{name: "client without secret", mutate: func(c *Config) { c.Clients[0].Secret = "" }, wantErr: "secret"},
		{name: "user without password", mutate: func(c *Config) { c.Users[0].Password = "" }, wantErr: "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "GALLERY_TEST_DOTENV=from-file\n")
	t.Setenv("GALLERY_TEST_DOTENV", "")
	os.Unsetenv("GALLERY_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path, true))
	assert.Equal(t, "from-file", os.Getenv("GALLERY_TEST_DOTENV"))

	missing := filepath.Join(t.TempDir(), "absent.env")
	assert.NoError(t, LoadDotEnv(missing, false))
	assert.Error(t, LoadDotEnv(missing, true))
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("nope")
	assert.Error(t, err)
}
