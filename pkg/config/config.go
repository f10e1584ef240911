package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/sqlwarden/pkg/audit"
	"github.com/platinummonkey/sqlwarden/pkg/auth"
	"github.com/platinummonkey/sqlwarden/pkg/cache"
	"github.com/platinummonkey/sqlwarden/pkg/cipher"
	"github.com/platinummonkey/sqlwarden/pkg/observability"
	"github.com/platinummonkey/sqlwarden/pkg/rbac"
	"github.com/platinummonkey/sqlwarden/pkg/storage"
)

// EnvConfigPath names the environment variable holding the optional YAML
// configuration file.
const EnvConfigPath = "SQLWARDEN_CONFIG"

// Config holds all application configuration
type Config struct {
	// Environment is "development" or "production".
	Environment string `yaml:"environment"`

	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Encryption    EncryptionConfig    `yaml:"encryption"`
	Auth          AuthConfig          `yaml:"auth"`
	Cache         CacheConfig         `yaml:"cache"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
	Bootstrap     BootstrapConfig     `yaml:"bootstrap"`
}

// ServerConfig holds the ops HTTP server settings (health, metrics).
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Type            string        `yaml:"type"`
	URL             string        `yaml:"url"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// EncryptionConfig is the credential cipher key material.
type EncryptionConfig struct {
	Secret     string `yaml:"secret"`
	Salt       string `yaml:"salt"`
	Iterations int    `yaml:"iterations"`
}

// AuthConfig holds token signing and password hashing settings.
type AuthConfig struct {
	TokenSecret      string        `yaml:"token_secret"`
	Issuer           string        `yaml:"issuer"`
	Audience         string        `yaml:"audience"`
	AccessTTL        time.Duration `yaml:"access_ttl"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl"`
	BcryptCost       int           `yaml:"bcrypt_cost"`
	LoginMaxFailures int           `yaml:"login_max_failures"`
	LoginWindow      time.Duration `yaml:"login_window"`
}

// CacheConfig selects the access cache.
type CacheConfig struct {
	Type       string        `yaml:"type"`
	RedisURL   string        `yaml:"redis_url"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// AuditConfig holds retention and archive settings used by the janitor.
type AuditConfig struct {
	RetentionDays int           `yaml:"retention_days"`
	Schedule      string        `yaml:"schedule"`
	ArchiveFormat string        `yaml:"archive_format"`
	BatchSize     int           `yaml:"batch_size"`
	Archive       ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig is the S3 destination for purged audit entries. Archiving is
// off when Bucket is empty.
type ArchiveConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// BootstrapConfig describes the system administrator created on first start.
// Nothing is created when Email is empty.
type BootstrapConfig struct {
	Email       string `yaml:"email"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DisplayName string `yaml:"display_name"`
}

// Default returns the configuration used before the file and environment are
// applied.
func Default() *Config {
	db := storage.DefaultConfig()
	c := cache.DefaultConfig()
	limits := auth.DefaultLimitConfig()
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type:            db.Type,
			Path:            db.SQLitePath,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnectTimeout:  db.ConnectTimeout,
		},
		Encryption: EncryptionConfig{Iterations: cipher.DefaultIterations},
		Auth: AuthConfig{
			Issuer:           auth.DefaultIssuer,
			Audience:         auth.DefaultAudience,
			AccessTTL:        auth.DefaultAccessTTL,
			RefreshTTL:       auth.DefaultRefreshTTL,
			BcryptCost:       12,
			LoginMaxFailures: limits.MaxFailures,
			LoginWindow:      limits.Window,
		},
		Cache: CacheConfig{Type: c.Type, TTL: c.TTL, MaxEntries: c.MaxEntries},
		Audit: AuditConfig{
			RetentionDays: 90,
			Schedule:      "0 3 * * *",
			ArchiveFormat: string(audit.ExportFormatNDJSON),
			BatchSize:     1000,
			Archive:       ArchiveConfig{Region: "us-east-1", Prefix: "audit"},
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "sqlwarden",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1.0,
		},
	}
}

// LoadConfig loads configuration from the file named by SQLWARDEN_CONFIG, if
// any, then applies environment overrides and validates the result.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

// Load reads path (optional) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Environment = getEnv("SQLWARDEN_ENV", cfg.Environment)

	cfg.Server.Host = getEnv("SQLWARDEN_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("SQLWARDEN_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("SQLWARDEN_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("SQLWARDEN_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("SQLWARDEN_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Database.Type = getEnv("SQLWARDEN_DB_TYPE", cfg.Database.Type)
	cfg.Database.URL = getEnv("SQLWARDEN_DB_URL", cfg.Database.URL)
	cfg.Database.Path = getEnv("SQLWARDEN_DB_PATH", cfg.Database.Path)
	cfg.Database.MaxOpenConns = getEnvInt("SQLWARDEN_DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvInt("SQLWARDEN_DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnectTimeout = getEnvDuration("SQLWARDEN_DB_CONNECT_TIMEOUT", cfg.Database.ConnectTimeout)

	cfg.Encryption.Secret = getEnv("SQLWARDEN_ENCRYPTION_SECRET", cfg.Encryption.Secret)
	cfg.Encryption.Salt = getEnv("SQLWARDEN_ENCRYPTION_SALT", cfg.Encryption.Salt)
	cfg.Encryption.Iterations = getEnvInt("SQLWARDEN_ENCRYPTION_ITERATIONS", cfg.Encryption.Iterations)

	cfg.Auth.TokenSecret = getEnv("SQLWARDEN_TOKEN_SECRET", cfg.Auth.TokenSecret)
	cfg.Auth.Issuer = getEnv("SQLWARDEN_TOKEN_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.Audience = getEnv("SQLWARDEN_TOKEN_AUDIENCE", cfg.Auth.Audience)
	cfg.Auth.AccessTTL = getEnvDuration("SQLWARDEN_ACCESS_TOKEN_TTL", cfg.Auth.AccessTTL)
	cfg.Auth.RefreshTTL = getEnvDuration("SQLWARDEN_REFRESH_TOKEN_TTL", cfg.Auth.RefreshTTL)
	cfg.Auth.BcryptCost = getEnvInt("SQLWARDEN_BCRYPT_COST", cfg.Auth.BcryptCost)
	cfg.Auth.LoginMaxFailures = getEnvInt("SQLWARDEN_LOGIN_MAX_FAILURES", cfg.Auth.LoginMaxFailures)
	cfg.Auth.LoginWindow = getEnvDuration("SQLWARDEN_LOGIN_WINDOW", cfg.Auth.LoginWindow)

	cfg.Cache.Type = getEnv("SQLWARDEN_CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.RedisURL = getEnv("SQLWARDEN_REDIS_URL", cfg.Cache.RedisURL)
	cfg.Cache.TTL = getEnvDuration("SQLWARDEN_CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.MaxEntries = getEnvInt("SQLWARDEN_CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)

	cfg.Audit.RetentionDays = getEnvInt("SQLWARDEN_AUDIT_RETENTION_DAYS", cfg.Audit.RetentionDays)
	cfg.Audit.Schedule = getEnv("SQLWARDEN_AUDIT_SCHEDULE", cfg.Audit.Schedule)
	cfg.Audit.ArchiveFormat = getEnv("SQLWARDEN_AUDIT_ARCHIVE_FORMAT", cfg.Audit.ArchiveFormat)
	cfg.Audit.Archive.Endpoint = getEnv("SQLWARDEN_S3_ENDPOINT", cfg.Audit.Archive.Endpoint)
	cfg.Audit.Archive.Region = getEnv("SQLWARDEN_S3_REGION", cfg.Audit.Archive.Region)
	cfg.Audit.Archive.Bucket = getEnv("SQLWARDEN_S3_BUCKET", cfg.Audit.Archive.Bucket)
	cfg.Audit.Archive.Prefix = getEnv("SQLWARDEN_S3_PREFIX", cfg.Audit.Archive.Prefix)
	cfg.Audit.Archive.AccessKey = getEnv("SQLWARDEN_S3_ACCESS_KEY", cfg.Audit.Archive.AccessKey)
	cfg.Audit.Archive.SecretKey = getEnv("SQLWARDEN_S3_SECRET_KEY", cfg.Audit.Archive.SecretKey)
	cfg.Audit.Archive.UsePathStyle = getEnvBool("SQLWARDEN_S3_USE_PATH_STYLE", cfg.Audit.Archive.UsePathStyle)

	cfg.Observability.LogLevel = getEnv("SQLWARDEN_LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.MetricsEnabled = getEnvBool("SQLWARDEN_METRICS_ENABLED", cfg.Observability.MetricsEnabled)
	cfg.Observability.OTelEnabled = getEnvBool("SQLWARDEN_OTEL_ENABLED", cfg.Observability.OTelEnabled)
	cfg.Observability.OTelEndpoint = getEnv("SQLWARDEN_OTEL_ENDPOINT", cfg.Observability.OTelEndpoint)
	cfg.Observability.OTelServiceName = getEnv("SQLWARDEN_OTEL_SERVICE_NAME", cfg.Observability.OTelServiceName)
	cfg.Observability.OTelServiceVersion = getEnv("SQLWARDEN_OTEL_SERVICE_VERSION", cfg.Observability.OTelServiceVersion)
	cfg.Observability.OTelInsecure = getEnvBool("SQLWARDEN_OTEL_INSECURE", cfg.Observability.OTelInsecure)

	cfg.Bootstrap.Email = getEnv("SQLWARDEN_ADMIN_EMAIL", cfg.Bootstrap.Email)
	cfg.Bootstrap.Username = getEnv("SQLWARDEN_ADMIN_USERNAME", cfg.Bootstrap.Username)
	cfg.Bootstrap.Password = getEnv("SQLWARDEN_ADMIN_PASSWORD", cfg.Bootstrap.Password)
}

// IsProduction reports whether the process runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}

	switch c.Database.Type {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database URL is required for postgres")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("invalid database type: %s (must be postgres or sqlite)", c.Database.Type)
	}

	if c.IsProduction() {
		if c.Encryption.Secret == "" || c.Encryption.Salt == "" {
			return cipher.ErrMissingKeyMaterial
		}
		if c.Auth.TokenSecret == "" {
			return errors.New("token secret is required in production")
		}
	}

	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	if c.Auth.LoginMaxFailures < 0 || c.Auth.LoginWindow < 0 {
		return errors.New("login throttling settings must not be negative")
	}

	switch c.Cache.Type {
	case "memory", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			return errors.New("redis URL is required for the redis cache")
		}
	default:
		return fmt.Errorf("invalid cache type: %s (must be redis, memory, or none)", c.Cache.Type)
	}

	switch audit.ExportFormat(c.Audit.ArchiveFormat) {
	case audit.ExportFormatJSON, audit.ExportFormatNDJSON, audit.ExportFormatCSV:
	default:
		return fmt.Errorf("invalid audit archive format: %s", c.Audit.ArchiveFormat)
	}
	if c.Audit.RetentionDays < 0 {
		return errors.New("audit retention days must not be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return errors.New("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	if c.Bootstrap.Email != "" && c.Bootstrap.Password == "" {
		return errors.New("bootstrap admin password is required when an admin email is set")
	}

	return nil
}

// StorageConfig converts the database section for storage.Open.
func (c *Config) StorageConfig() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Type = c.Database.Type
	cfg.PostgresURL = c.Database.URL
	cfg.SQLitePath = c.Database.Path
	if c.Database.MaxOpenConns > 0 {
		cfg.MaxOpenConns = c.Database.MaxOpenConns
	}
	if c.Database.MaxIdleConns > 0 {
		cfg.MaxIdleConns = c.Database.MaxIdleConns
	}
	if c.Database.ConnMaxLifetime > 0 {
		cfg.ConnMaxLifetime = c.Database.ConnMaxLifetime
	}
	if c.Database.ConnectTimeout > 0 {
		cfg.ConnectTimeout = c.Database.ConnectTimeout
	}
	return cfg
}

// CipherConfig converts the encryption section for cipher.FromConfig.
func (c *Config) CipherConfig() cipher.Config {
	return cipher.Config{
		Secret:     c.Encryption.Secret,
		Salt:       c.Encryption.Salt,
		Iterations: c.Encryption.Iterations,
		Production: c.IsProduction(),
	}
}

// TokenConfig converts the auth section for auth.NewTokenService.
func (c *Config) TokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		Secret:     c.Auth.TokenSecret,
		Issuer:     c.Auth.Issuer,
		Audience:   c.Auth.Audience,
		AccessTTL:  c.Auth.AccessTTL,
		RefreshTTL: c.Auth.RefreshTTL,
	}
}

// LimitConfig converts the login throttling settings.
func (c *Config) LimitConfig() auth.LimitConfig {
	return auth.LimitConfig{
		MaxFailures: c.Auth.LoginMaxFailures,
		Window:      c.Auth.LoginWindow,
	}
}

// CacheConfig converts the cache section for the access cache.
func (c *Config) CacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Type = c.Cache.Type
	cfg.RedisURL = c.Cache.RedisURL
	if c.Cache.TTL > 0 {
		cfg.TTL = c.Cache.TTL
	}
	if c.Cache.MaxEntries > 0 {
		cfg.MaxEntries = c.Cache.MaxEntries
	}
	return cfg
}

// RetentionPolicy converts the audit section for audit.NewRetention.
func (c *Config) RetentionPolicy() audit.RetentionPolicy {
	return audit.RetentionPolicy{
		RetentionDays: c.Audit.RetentionDays,
		ArchiveFormat: audit.ExportFormat(c.Audit.ArchiveFormat),
		BatchSize:     c.Audit.BatchSize,
	}
}

// ArchiveEnabled reports whether purged audit entries go to S3 first.
func (c *Config) ArchiveEnabled() bool {
	return c.Audit.Archive.Bucket != ""
}

// S3Config converts the archive section for audit.NewS3Client.
func (c *Config) S3Config() audit.S3Config {
	a := c.Audit.Archive
	return audit.S3Config{
		Endpoint:     a.Endpoint,
		Region:       a.Region,
		Bucket:       a.Bucket,
		Prefix:       a.Prefix,
		AccessKey:    a.AccessKey,
		SecretKey:    a.SecretKey,
		UsePathStyle: a.UsePathStyle,
	}
}

// OTelConfig converts the observability section for observability.InitOTel.
func (c *Config) OTelConfig() observability.OTelConfig {
	o := c.Observability
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() observability.LogLevel {
	return observability.ParseLogLevel(c.Observability.LogLevel)
}

// BootstrapInput converts the bootstrap section. ok is false when no admin is
// configured.
func (c *Config) BootstrapInput() (in rbac.BootstrapInput, ok bool) {
	b := c.Bootstrap
	if b.Email == "" {
		return rbac.BootstrapInput{}, false
	}
	username := b.Username
	if username == "" {
		username = "admin"
	}
	return rbac.BootstrapInput{
		Email:       b.Email,
		Username:    username,
		Password:    b.Password,
		DisplayName: b.DisplayName,
	}, true
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
