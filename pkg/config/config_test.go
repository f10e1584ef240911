package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/sqlwarden/pkg/auth"
	"github.com/platinummonkey/sqlwarden/pkg/cipher"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"returns true for 'true'", "true", false, true},
		{"returns true for '1'", "1", false, true},
		{"returns false for 'false'", "false", true, false},
		{"returns default when not set", "", true, true},
		{"returns true for 'TRUE' (case insensitive)", "TRUE", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.envValue)

			got := getEnvBool("TEST_BOOL", tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvInt tests the getEnvInt helper function
func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     int
	}{
		{"returns parsed int", "42", 42},
		{"returns default for invalid int", "invalid", 10},
		{"returns default when not set", "", 10},
		{"parses negative", "-3", -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT", tt.envValue)

			if got := getEnvInt("TEST_INT", 10); got != tt.want {
				t.Errorf("getEnvInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{"parses seconds", "30s", 30 * time.Second},
		{"parses hours", "168h", 168 * time.Hour},
		{"returns default for invalid duration", "soon", time.Minute},
		{"returns default when not set", "", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.envValue)

			if got := getEnvDuration("TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sqlwarden.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %v, want sqlite", cfg.Database.Type)
	}
	if cfg.Auth.AccessTTL != 15*time.Minute {
		t.Errorf("Auth.AccessTTL = %v, want 15m", cfg.Auth.AccessTTL)
	}
	if cfg.Auth.RefreshTTL != 7*24*time.Hour {
		t.Errorf("Auth.RefreshTTL = %v, want 168h", cfg.Auth.RefreshTTL)
	}
	if cfg.Encryption.Iterations != cipher.DefaultIterations {
		t.Errorf("Encryption.Iterations = %v, want %v", cfg.Encryption.Iterations, cipher.DefaultIterations)
	}
	if cfg.IsProduction() {
		t.Error("default environment should not be production")
	}
	if _, ok := cfg.BootstrapInput(); ok {
		t.Error("no bootstrap admin expected by default")
	}
	if got := cfg.LimitConfig(); got != auth.DefaultLimitConfig() {
		t.Errorf("LimitConfig() = %+v, want defaults", got)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
environment: production
database:
  type: postgres
  url: postgres://file/sqlwarden
encryption:
  secret: file-secret
  salt: file-salt
  iterations: 5000
auth:
  token_secret: file-token
  access_ttl: 5m
  login_window: 1h
cache:
  type: redis
  redis_url: redis://localhost:6379/0
audit:
  retention_days: 30
  archive:
    bucket: audit-archive
    use_path_style: true
bootstrap:
  email: admin@example.com
  password: changeme
`)

	t.Setenv("SQLWARDEN_DB_URL", "postgres://env/sqlwarden")
	t.Setenv("SQLWARDEN_ACCESS_TOKEN_TTL", "10m")
	t.Setenv("SQLWARDEN_LOGIN_MAX_FAILURES", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.URL != "postgres://env/sqlwarden" {
		t.Errorf("env should override file, got %v", cfg.Database.URL)
	}
	if cfg.Auth.AccessTTL != 10*time.Minute {
		t.Errorf("Auth.AccessTTL = %v, want 10m", cfg.Auth.AccessTTL)
	}
	if cfg.Auth.RefreshTTL != 7*24*time.Hour {
		t.Errorf("unset values keep defaults, got %v", cfg.Auth.RefreshTTL)
	}
	if !cfg.IsProduction() {
		t.Error("expected production")
	}

	storageCfg := cfg.StorageConfig()
	if storageCfg.Type != "postgres" || storageCfg.PostgresURL != "postgres://env/sqlwarden" {
		t.Errorf("StorageConfig() = %+v", storageCfg)
	}

	cipherCfg := cfg.CipherConfig()
	if !cipherCfg.Production || cipherCfg.Iterations != 5000 {
		t.Errorf("CipherConfig() = %+v", cipherCfg)
	}

	if got := cfg.LimitConfig(); got.MaxFailures != 3 || got.Window != time.Hour {
		t.Errorf("LimitConfig() = %+v", got)
	}
	if got := cfg.TokenConfig().Secret; got != "file-token" {
		t.Errorf("TokenConfig().Secret = %v", got)
	}
	if got := cfg.CacheConfig(); got.Type != "redis" || got.RedisURL == "" {
		t.Errorf("CacheConfig() = %+v", got)
	}
	if !cfg.ArchiveEnabled() || !cfg.S3Config().UsePathStyle {
		t.Errorf("archive settings lost: %+v", cfg.Audit.Archive)
	}
	if got := cfg.RetentionPolicy().RetentionDays; got != 30 {
		t.Errorf("RetentionPolicy().RetentionDays = %v", got)
	}

	in, ok := cfg.BootstrapInput()
	if !ok || in.Username != "admin" || in.Email != "admin@example.com" {
		t.Errorf("BootstrapInput() = %+v, %v", in, ok)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "database: [not, a, map")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestLoadConfig_UsesEnvPath(t *testing.T) {
	path := writeConfig(t, "observability:\n  log_level: debug\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.LogLevel() != observability.DebugLevel {
		t.Errorf("LogLevel() = %v, want debug", cfg.LogLevel())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.Server.Port = "" },
			wantErr: "server port",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Database.Type = "mysql" },
			wantErr: "must be postgres or sqlite",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Database.Type = "postgres" },
			wantErr: "database URL",
		},
		{
			name:    "production without key material",
			mutate:  func(c *Config) { c.Environment = "production"; c.Auth.TokenSecret = "t" },
			wantErr: cipher.ErrMissingKeyMaterial.Error(),
		},
		{
			name: "production without token secret",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.Encryption.Secret = "s"
				c.Encryption.Salt = "salt"
			},
			wantErr: "token secret",
		},
		{
			name: "production fully configured",
			mutate: func(c *Config) {
				c.Environment = "Production"
				c.Encryption.Secret = "s"
				c.Encryption.Salt = "salt"
				c.Auth.TokenSecret = "t"
			},
		},
		{
			name:    "non-positive ttl",
			mutate:  func(c *Config) { c.Auth.AccessTTL = 0 },
			wantErr: "token lifetimes",
		},
		{
			name:    "negative login window",
			mutate:  func(c *Config) { c.Auth.LoginWindow = -time.Minute },
			wantErr: "login throttling",
		},
		{
			name:    "redis without url",
			mutate:  func(c *Config) { c.Cache.Type = "redis" },
			wantErr: "redis URL",
		},
		{
			name:    "unknown cache",
			mutate:  func(c *Config) { c.Cache.Type = "memcached" },
			wantErr: "invalid cache type",
		},
		{
			name:    "unknown archive format",
			mutate:  func(c *Config) { c.Audit.ArchiveFormat = "xml" },
			wantErr: "archive format",
		},
		{
			name:    "otel without endpoint",
			mutate:  func(c *Config) { c.Observability.OTelEnabled = true; c.Observability.OTelEndpoint = "" },
			wantErr: "OpenTelemetry endpoint",
		},
		{
			name: "otel sample ratio out of range",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = "localhost:4317"
				c.Observability.OTelSampleRatio = 1.5
			},
			wantErr: "sample ratio",
		},
		{
			name:    "bootstrap without password",
			mutate:  func(c *Config) { c.Bootstrap.Email = "admin@example.com" },
			wantErr: "bootstrap admin password",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ProductionKeyMaterialIsSentinel(t *testing.T) {
	cfg := Default()
	cfg.Environment = "production"
	if err := cfg.Validate(); !errors.Is(err, cipher.ErrMissingKeyMaterial) {
		t.Errorf("Validate() error = %v, want ErrMissingKeyMaterial", err)
	}
}
