package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime time.Duration
	LocalDBPath       string

	// Session
	JWTSecret string

	// Object storage
	StorageURL    string
	StorageBucket string
	StorageKey    string

	// Serverless functions
	FunctionsURL string
	FunctionsKey string

	// Prompt generation
	AnthropicAPIKey string
	AnthropicModel  string

	// Journal
	TimeZone             *time.Location
	LegacyEntriesVisible bool
	RemoteTimeout        time.Duration

	// Outbox
	OutboxFlushInterval time.Duration
	OutboxMaxAttempts   int
	OutboxRetention     time.Duration

	// Preference
	PreferenceRetryInterval time.Duration

	// Rate Limit
	RateLimitRPS   float64
	RateLimitBurst int

	// Logging
	LogFile  string
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = v.GetString("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	loc, err := time.LoadLocation(v.GetString("TZ"))
	if err != nil {
		return nil, fmt.Errorf("invalid TZ %q: %w", v.GetString("TZ"), err)
	}
	cfg.TimeZone = loc

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getInt(v, "DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getInt(v, "DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxIdleTime = getDuration(v, "DB_CONN_MAX_IDLE_TIME", 5*time.Minute)
	cfg.LocalDBPath = v.GetString("LOCAL_DB_PATH")
	cfg.JWTSecret = v.GetString("JWT_SECRET")
	cfg.StorageURL = strings.TrimRight(v.GetString("STORAGE_URL"), "/")
	cfg.StorageBucket = v.GetString("STORAGE_BUCKET")
	cfg.StorageKey = v.GetString("STORAGE_KEY")
	cfg.FunctionsURL = strings.TrimRight(v.GetString("FUNCTIONS_URL"), "/")
	cfg.FunctionsKey = v.GetString("FUNCTIONS_KEY")
	cfg.AnthropicAPIKey = v.GetString("ANTHROPIC_API_KEY")
	cfg.AnthropicModel = v.GetString("ANTHROPIC_MODEL")
	cfg.LegacyEntriesVisible = v.GetBool("LEGACY_ENTRIES_VISIBLE")
	cfg.RemoteTimeout = getDuration(v, "REMOTE_TIMEOUT", 10*time.Second)
	cfg.OutboxFlushInterval = getDuration(v, "OUTBOX_FLUSH_INTERVAL", 30*time.Second)
	cfg.OutboxMaxAttempts = getInt(v, "OUTBOX_MAX_ATTEMPTS", 8)
	cfg.OutboxRetention = getDuration(v, "OUTBOX_RETENTION", 7*24*time.Hour)
	cfg.PreferenceRetryInterval = getDuration(v, "PREFERENCE_RETRY_INTERVAL", 5*time.Minute)
	cfg.RateLimitRPS = v.GetFloat64("RATE_LIMIT_RPS")
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 2
	}
	cfg.RateLimitBurst = getInt(v, "RATE_LIMIT_BURST", 20)
	cfg.LogFile = v.GetString("LOG_FILE")
	cfg.LogLevel = v.GetString("LOG_LEVEL")
	cfg.ServerPort = v.GetString("SERVER_PORT")
	cfg.BaseURL = v.GetString("BASE_URL")
	cfg.CORSAllowedOrigin = v.GetString("CORS_ALLOWED_ORIGIN")

	return cfg, nil
}

// ValidateServe はAPIサーバー起動に必要な設定が揃っているかを検証する。
func (c *Config) ValidateServe() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOCAL_DB_PATH", "daybook-local.db")
	v.SetDefault("STORAGE_BUCKET", "preferences")
	v.SetDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-latest")
	v.SetDefault("TZ", "UTC")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LEGACY_ENTRIES_VISIBLE", true)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
}

// getDuration は不正値や0以下の値の場合にデフォルト値を返す。
func getDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	if !v.IsSet(key) {
		return defaultVal
	}
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getInt(v *viper.Viper, key string, defaultVal int) int {
	if !v.IsSet(key) {
		return defaultVal
	}
	i := v.GetInt(key)
	if i <= 0 {
		return defaultVal
	}
	return i
}
