package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for sessiond.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Devices     DevicesConfig     `mapstructure:"devices"`
	Security    SecurityConfig    `mapstructure:"security"`
	Email       EmailConfig       `mapstructure:"email"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int              `mapstructure:"port"`
	LogLevel  string           `mapstructure:"log_level"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Cookies   CookieConfig     `mapstructure:"cookies"`
	Shutdown  time.Duration    `mapstructure:"shutdown_timeout"`
}

// RateLimitConfig bounds request volume on the two API surfaces.
type RateLimitConfig struct {
	AuthRequests int           `mapstructure:"auth_requests"`
	AuthWindow   time.Duration `mapstructure:"auth_window"`
	APIRequests  int           `mapstructure:"api_requests"`
	APIWindow    time.Duration `mapstructure:"api_window"`
}

// CookieConfig controls how auth cookies are written.
type CookieConfig struct {
	Domain string `mapstructure:"domain"`
	Secure bool   `mapstructure:"secure"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options. When disabled the shared
// cache falls back to the database-backed store so rate limits still hold
// across restarts.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig captures token and session settings.
type AuthConfig struct {
	JWT      JWTSettings      `mapstructure:"jwt"`
	Rotation RotationSettings `mapstructure:"rotation"`
	CSRF     CSRFSettings     `mapstructure:"csrf"`
	// InternalKey authenticates the identity-gateway hand-off endpoint.
	InternalKey string `mapstructure:"internal_key"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// RotationSettings configures refresh tokens and the rotation window.
type RotationSettings struct {
	RefreshTTL    time.Duration `mapstructure:"refresh_token_ttl"`
	RefreshLength int           `mapstructure:"refresh_token_length"`
	RefreshWindow float64       `mapstructure:"refresh_window"`
}

// CSRFSettings configures the request-forgery guard.
type CSRFSettings struct {
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	TrustedOrigins []string      `mapstructure:"trusted_origins"`
	ExemptPaths    []string      `mapstructure:"exempt_paths"`
}

// DevicesConfig tunes device verification.
type DevicesConfig struct {
	CodeDigits              int           `mapstructure:"code_digits"`
	CodeTTL                 time.Duration `mapstructure:"code_ttl"`
	MaxAttempts             int           `mapstructure:"max_attempts"`
	LockDuration            time.Duration `mapstructure:"lock_duration"`
	NewDeviceAlertThreshold int           `mapstructure:"new_device_alert_threshold"`
}

// SecurityConfig holds the encryption key and audit retention.
type SecurityConfig struct {
	// EncryptionKey protects TOTP secrets at rest; 32 bytes once decoded.
	EncryptionKey      string `mapstructure:"encryption_key"`
	AuditRetentionDays int    `mapstructure:"audit_retention_days"`
	TOTPIssuer         string `mapstructure:"totp_issuer"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MaintenanceConfig schedules the background cleanup sweeps.
type MaintenanceConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("SESSIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWT.Secret) == "" {
		return errors.New("config: auth.jwt.secret is required")
	}
	if strings.TrimSpace(c.Auth.InternalKey) == "" {
		return errors.New("config: auth.internal_key is required")
	}
	if len(c.Auth.CSRF.TrustedOrigins) == 0 {
		return errors.New("config: auth.csrf.trusted_origins is required")
	}
	if len(c.Security.EncryptionKey) != 32 {
		return errors.New("config: security.encryption_key must be 32 bytes")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit.auth_requests", 30)
	v.SetDefault("server.rate_limit.auth_window", "1m")
	v.SetDefault("server.rate_limit.api_requests", 300)
	v.SetDefault("server.rate_limit.api_window", "1m")
	v.SetDefault("server.cookies.secure", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/sessiond.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("auth.jwt.issuer", "sessiond")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")
	v.SetDefault("auth.rotation.refresh_token_ttl", "720h") // 30 days
	v.SetDefault("auth.rotation.refresh_token_length", 48)
	v.SetDefault("auth.rotation.refresh_window", 0.20)
	v.SetDefault("auth.csrf.token_ttl", "12h")

	v.SetDefault("devices.code_digits", 6)
	v.SetDefault("devices.code_ttl", "10m")
	v.SetDefault("devices.max_attempts", 5)
	v.SetDefault("devices.lock_duration", "15m")
	v.SetDefault("devices.new_device_alert_threshold", 3)

	v.SetDefault("security.audit_retention_days", 90)
	v.SetDefault("security.totp_issuer", "sessiond")

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.schedule", "@every 1h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
