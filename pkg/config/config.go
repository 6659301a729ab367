package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	School   SchoolConfig
	Capture  CaptureConfig
	Sync     SyncConfig
	Calendar CalendarConfig
	Exports  ExportsConfig
}

type DatabaseConfig struct {
	Driver        string
	Host          string
	Port          int
	User          string
	Password      string
	Name          string
	SSLMode       string
	MaxOpenConns  int
	MaxIdleConns  int
	RunMigrations bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// SchoolConfig holds calendar-day semantics for the ledger.
type SchoolConfig struct {
	Timezone string
}

// Location resolves the configured timezone, falling back to UTC.
func (c SchoolConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CaptureConfig tunes the scan capture gate.
type CaptureConfig struct {
	Cooldown       time.Duration
	ValidityWindow time.Duration
	FrameBuffer    int
	IdleTimeout    time.Duration
}

// SyncConfig tunes the sync coordinator and its background worker.
type SyncConfig struct {
	Timeout         time.Duration
	DisplayInterval time.Duration
	PollInterval    time.Duration
	BatchSize       int
	Workers         int
	Retries         int
	RetryDelay      time.Duration
	Schedule        string
	RemoteKey       string
}

// CalendarConfig governs calendar read caching.
type CalendarConfig struct {
	CacheEnabled bool
	CacheTTL     time.Duration
}

// ExportsConfig controls attendance export storage.
type ExportsConfig struct {
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Driver:        v.GetString("DB_DRIVER"),
		Host:          v.GetString("DB_HOST"),
		Port:          v.GetInt("DB_PORT"),
		User:          v.GetString("DB_USER"),
		Password:      v.GetString("DB_PASSWORD"),
		Name:          v.GetString("DB_NAME"),
		SSLMode:       v.GetString("DB_SSL_MODE"),
		MaxOpenConns:  v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns:  v.GetInt("DB_MAX_IDLE_CONNS"),
		RunMigrations: v.GetBool("DB_RUN_MIGRATIONS"),
	}

	cfg.Redis = RedisConfig{
		Host:      v.GetString("REDIS_HOST"),
		Port:      v.GetInt("REDIS_PORT"),
		Password:  v.GetString("REDIS_PASSWORD"),
		DB:        v.GetInt("REDIS_DB"),
		PoolSize:  v.GetInt("REDIS_POOL_SIZE"),
		KeyPrefix: v.GetString("REDIS_KEY_PREFIX"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}
	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.School = SchoolConfig{Timezone: v.GetString("SCHOOL_TIMEZONE")}

	cfg.Capture = CaptureConfig{
		Cooldown:       parseDuration(v.GetString("CAPTURE_COOLDOWN"), 1500*time.Millisecond),
		ValidityWindow: parseDuration(v.GetString("CAPTURE_VALIDITY_WINDOW"), time.Minute),
		FrameBuffer:    v.GetInt("CAPTURE_FRAME_BUFFER"),
		IdleTimeout:    parseDuration(v.GetString("CAPTURE_IDLE_TIMEOUT"), 30*time.Minute),
	}

	cfg.Sync = SyncConfig{
		Timeout:         parseDuration(v.GetString("SYNC_TIMEOUT"), 2*time.Minute),
		DisplayInterval: parseDuration(v.GetString("SYNC_DISPLAY_INTERVAL"), 3*time.Second),
		PollInterval:    parseDuration(v.GetString("SYNC_POLL_INTERVAL"), 5*time.Second),
		BatchSize:       v.GetInt("SYNC_BATCH_SIZE"),
		Workers:         v.GetInt("SYNC_WORKERS"),
		Retries:         v.GetInt("SYNC_RETRIES"),
		RetryDelay:      parseDuration(v.GetString("SYNC_RETRY_DELAY"), 2*time.Second),
		Schedule:        v.GetString("SYNC_SCHEDULE"),
		RemoteKey:       v.GetString("SYNC_REMOTE_KEY"),
	}

	cfg.Calendar = CalendarConfig{
		CacheEnabled: v.GetBool("CALENDAR_CACHE_ENABLED"),
		CacheTTL:     parseDuration(v.GetString("CALENDAR_CACHE_TTL"), 10*time.Minute),
	}

	cfg.Exports = ExportsConfig{
		StorageDir:      v.GetString("EXPORTS_STORAGE_DIR"),
		SignedURLSecret: v.GetString("EXPORTS_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("EXPORTS_SIGNED_URL_TTL"), time.Hour),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "school_attendance")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_RUN_MIGRATIONS", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 10)
	v.SetDefault("REDIS_KEY_PREFIX", "attendance")

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SCHOOL_TIMEZONE", "UTC")

	v.SetDefault("CAPTURE_COOLDOWN", "1500ms")
	v.SetDefault("CAPTURE_VALIDITY_WINDOW", "60s")
	v.SetDefault("CAPTURE_FRAME_BUFFER", 8)
	v.SetDefault("CAPTURE_IDLE_TIMEOUT", "30m")

	v.SetDefault("SYNC_TIMEOUT", "2m")
	v.SetDefault("SYNC_DISPLAY_INTERVAL", "3s")
	v.SetDefault("SYNC_POLL_INTERVAL", "5s")
	v.SetDefault("SYNC_BATCH_SIZE", 200)
	v.SetDefault("SYNC_WORKERS", 1)
	v.SetDefault("SYNC_RETRIES", 3)
	v.SetDefault("SYNC_RETRY_DELAY", "2s")
	v.SetDefault("SYNC_SCHEDULE", "@every 15m")
	v.SetDefault("SYNC_REMOTE_KEY", "attendance:remote")

	v.SetDefault("CALENDAR_CACHE_ENABLED", true)
	v.SetDefault("CALENDAR_CACHE_TTL", "10m")

	v.SetDefault("EXPORTS_STORAGE_DIR", "./exports")
	v.SetDefault("EXPORTS_SIGNED_URL_SECRET", "dev_exports_secret")
	v.SetDefault("EXPORTS_SIGNED_URL_TTL", "1h")
}

// SetConfigFile reports a missing .env as a path error rather than ConfigFileNotFoundError.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
