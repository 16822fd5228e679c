// Package config provides configuration loading for the dispatch platform.
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
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Host           string        `mapstructure:"host"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	Environment    string        `mapstructure:"environment"` // dev, staging, prod
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	Timezone       string        `mapstructure:"timezone"`
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

// URL returns the postgres:// URL form used by migrations.
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

// ChatConfig holds the chat-platform adapter configuration.
type ChatConfig struct {
	BotToken           string        `mapstructure:"bot_token"`
	BotAPIBase         string        `mapstructure:"bot_api_base"`
	WebChatBaseURL     string        `mapstructure:"webchat_base_url"`
	WebhookVerifyToken string        `mapstructure:"webhook_verify_token"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	WebChatInteractive bool          `mapstructure:"webchat_interactive"`
}

// AuthConfig holds OTP/JWT/admin authentication configuration.
type AuthConfig struct {
	AdminAPIKey   string        `mapstructure:"admin_api_key"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTAlgorithm  string        `mapstructure:"jwt_algorithm"`
	JWTAccessTTL  time.Duration `mapstructure:"jwt_access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	OTPTTL        time.Duration `mapstructure:"otp_ttl"`
	OTPMinSpacing time.Duration `mapstructure:"otp_min_spacing"`
}

// OutboxConfig holds the delivery pipeline configuration.
type OutboxConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoffSeconds int           `mapstructure:"max_backoff_seconds"`
	BatchSize         int           `mapstructure:"batch_size"`
	Tick              time.Duration `mapstructure:"tick"`
	Workers           int           `mapstructure:"workers"`
	TaskTimeLimit     time.Duration `mapstructure:"task_time_limit"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/dispatch")

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Explicitly bind nested secrets (viper nested-struct env quirk).
	v.BindEnv("chat.bot_token", "DISPATCH_CHAT_BOT_TOKEN")
	v.BindEnv("chat.webchat_base_url", "DISPATCH_CHAT_WEBCHAT_BASE_URL")
	v.BindEnv("chat.webhook_verify_token", "DISPATCH_CHAT_WEBHOOK_VERIFY_TOKEN")
	v.BindEnv("auth.admin_api_key", "DISPATCH_AUTH_ADMIN_API_KEY")
	v.BindEnv("auth.jwt_secret", "DISPATCH_AUTH_JWT_SECRET")

	// Read config file (optional); defaults and env vars are enough.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate enforces startup requirements. Running production without a JWT
// secret is refused outright.
func (c *Config) validate() error {
	if c.Server.Environment == "prod" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required in prod")
	}
	if c.Auth.JWTAlgorithm != "HS256" && c.Auth.JWTAlgorithm != "HS384" && c.Auth.JWTAlgorithm != "HS512" {
		return fmt.Errorf("unsupported jwt algorithm %q", c.Auth.JWTAlgorithm)
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.timezone", "Asia/Jerusalem")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dispatch")
	v.SetDefault("database.password", "dispatch")
	v.SetDefault("database.database", "dispatch")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Chat adapter defaults
	v.SetDefault("chat.bot_api_base", "https://api.telegram.org")
	v.SetDefault("chat.webchat_base_url", "http://localhost:3001")
	v.SetDefault("chat.request_timeout", "30s")
	v.SetDefault("chat.webchat_interactive", false)

	// Auth defaults
	v.SetDefault("auth.jwt_algorithm", "HS256")
	v.SetDefault("auth.jwt_access_ttl", "480m")
	v.SetDefault("auth.refresh_ttl", "336h") // 14 days
	v.SetDefault("auth.otp_ttl", "300s")
	v.SetDefault("auth.otp_min_spacing", "60s")

	// Outbox defaults
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.base_backoff", "60s")
	v.SetDefault("outbox.max_backoff_seconds", 3600)
	v.SetDefault("outbox.batch_size", 20)
	v.SetDefault("outbox.tick", "10s")
	v.SetDefault("outbox.workers", 4)
	v.SetDefault("outbox.task_time_limit", "5m")
}
