package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// OTP strategies understood by the session manager.
const (
	OTPStrategyRandom     = "random"
	OTPStrategyLastDigits = "last_digits"
)

// Anchoring drivers.
const (
	AnchorDriverLocal = "local"
	AnchorDriverHTTP  = "http"
)

// OTP channel drivers.
const (
	OTPChannelLog     = "log"
	OTPChannelWebhook = "webhook"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database     DatabaseConfig
	Redis        RedisConfig
	Session      SessionConfig
	OTP          OTPConfig
	Workflow     WorkflowConfig
	Anchoring    AnchoringConfig
	Evidence     EvidenceConfig
	Certificates CertificatesConfig
	Jobs         JobsConfig
	CORS         CORSConfig
	Log          LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// SessionConfig controls session lifetime and challenge token signing.
type SessionConfig struct {
	TTL                  time.Duration
	ChallengeSecret      string
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int
	Issuer               string
}

// OTPConfig selects the one-time code strategy and delivery channel.
type OTPConfig struct {
	Strategy       string
	Length         int
	Channel        string
	WebhookURL     string
	WebhookTimeout time.Duration
}

// WorkflowConfig carries the revert policy of the lifecycle engine.
type WorkflowConfig struct {
	RevertActors    []string
	RevertFrom      []string
	RevertTerminal  bool
	LockTTL         time.Duration
	DistributedLock bool
}

// AnchoringConfig points the issuance coordinator at a ledger.
type AnchoringConfig struct {
	Driver  string
	URL     string
	APIKey  string
	Timeout time.Duration
}

// EvidenceConfig controls checkpoint evidence storage and validation.
type EvidenceConfig struct {
	StorageDir       string
	SignedURLSecret  string
	SignedURLTTL     time.Duration
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
	OrphanTTL        time.Duration
}

// CertificatesConfig controls rendered certificate documents.
type CertificatesConfig struct {
	StorageDir    string
	VerifyBaseURL string
	CacheTTL      time.Duration
	IssuerName    string
}

// JobsConfig sizes the background worker pool.
type JobsConfig struct {
	Workers         int
	Retries         int
	RetryDelay      time.Duration
	CleanupInterval time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
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
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
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
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Session = SessionConfig{
		TTL:                  parseDuration(v.GetString("SESSION_TTL"), 24*time.Hour),
		ChallengeSecret:      v.GetString("CHALLENGE_SECRET"),
		ChallengeTTL:         parseDuration(v.GetString("CHALLENGE_TTL"), 5*time.Minute),
		ChallengeMaxAttempts: v.GetInt("CHALLENGE_MAX_ATTEMPTS"),
		Issuer:               v.GetString("SESSION_ISSUER"),
	}

	cfg.OTP = OTPConfig{
		Strategy:       strings.ToLower(v.GetString("OTP_STRATEGY")),
		Length:         v.GetInt("OTP_LENGTH"),
		Channel:        strings.ToLower(v.GetString("OTP_CHANNEL")),
		WebhookURL:     v.GetString("OTP_WEBHOOK_URL"),
		WebhookTimeout: parseDuration(v.GetString("OTP_WEBHOOK_TIMEOUT"), 5*time.Second),
	}

	cfg.Workflow = WorkflowConfig{
		RevertActors:    splitAndTrim(v.GetString("REVERT_ACTORS")),
		RevertFrom:      splitAndTrim(v.GetString("REVERT_FROM")),
		RevertTerminal:  v.GetBool("REVERT_TERMINAL"),
		LockTTL:         parseDuration(v.GetString("TRANSITION_LOCK_TTL"), 30*time.Second),
		DistributedLock: v.GetBool("TRANSITION_DISTRIBUTED_LOCK"),
	}

	cfg.Anchoring = AnchoringConfig{
		Driver:  strings.ToLower(v.GetString("ANCHOR_DRIVER")),
		URL:     v.GetString("ANCHOR_URL"),
		APIKey:  v.GetString("ANCHOR_API_KEY"),
		Timeout: parseDuration(v.GetString("ANCHOR_TIMEOUT"), 10*time.Second),
	}

	maxEvidenceSize := v.GetInt64("EVIDENCE_MAX_FILE_SIZE")
	if maxEvidenceSize <= 0 {
		maxEvidenceSize = 10 * 1024 * 1024
	}
	cfg.Evidence = EvidenceConfig{
		StorageDir:       v.GetString("EVIDENCE_STORAGE_DIR"),
		SignedURLSecret:  v.GetString("EVIDENCE_SIGNED_URL_SECRET"),
		SignedURLTTL:     parseDuration(v.GetString("EVIDENCE_SIGNED_URL_TTL"), 30*time.Minute),
		MaxFileSizeBytes: maxEvidenceSize,
		AllowedMIMEs:     splitAndTrim(v.GetString("EVIDENCE_ALLOWED_MIME_TYPES")),
		OrphanTTL:        parseDuration(v.GetString("EVIDENCE_ORPHAN_TTL"), 72*time.Hour),
	}

	cfg.Certificates = CertificatesConfig{
		StorageDir:    v.GetString("CERTIFICATES_STORAGE_DIR"),
		VerifyBaseURL: v.GetString("CERTIFICATES_VERIFY_BASE_URL"),
		CacheTTL:      parseDuration(v.GetString("CERTIFICATES_CACHE_TTL"), time.Hour),
		IssuerName:    v.GetString("CERTIFICATES_ISSUER_NAME"),
	}

	cfg.Jobs = JobsConfig{
		Workers:         v.GetInt("JOBS_WORKERS"),
		Retries:         v.GetInt("JOBS_RETRIES"),
		RetryDelay:      parseDuration(v.GetString("JOBS_RETRY_DELAY"), 2*time.Second),
		CleanupInterval: parseDuration(v.GetString("JOBS_CLEANUP_INTERVAL"), time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "agricert")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("CHALLENGE_SECRET", "dev_challenge_secret")
	v.SetDefault("CHALLENGE_TTL", "5m")
	v.SetDefault("CHALLENGE_MAX_ATTEMPTS", 5)
	v.SetDefault("SESSION_ISSUER", "agricert-api")

	v.SetDefault("OTP_STRATEGY", OTPStrategyRandom)
	v.SetDefault("OTP_LENGTH", 6)
	v.SetDefault("OTP_CHANNEL", OTPChannelLog)
	v.SetDefault("OTP_WEBHOOK_URL", "")
	v.SetDefault("OTP_WEBHOOK_TIMEOUT", "5s")

	v.SetDefault("REVERT_ACTORS", "requester")
	v.SetDefault("REVERT_FROM", "pending")
	v.SetDefault("REVERT_TERMINAL", true)
	v.SetDefault("TRANSITION_LOCK_TTL", "30s")
	v.SetDefault("TRANSITION_DISTRIBUTED_LOCK", false)

	v.SetDefault("ANCHOR_DRIVER", AnchorDriverLocal)
	v.SetDefault("ANCHOR_URL", "")
	v.SetDefault("ANCHOR_API_KEY", "")
	v.SetDefault("ANCHOR_TIMEOUT", "10s")

	v.SetDefault("EVIDENCE_STORAGE_DIR", "./evidence")
	v.SetDefault("EVIDENCE_SIGNED_URL_SECRET", "dev_evidence_secret")
	v.SetDefault("EVIDENCE_SIGNED_URL_TTL", "30m")
	v.SetDefault("EVIDENCE_MAX_FILE_SIZE", 10*1024*1024)
	v.SetDefault("EVIDENCE_ALLOWED_MIME_TYPES", "image/jpeg,image/png,image/gif,image/webp,application/pdf,video/mp4")
	v.SetDefault("EVIDENCE_ORPHAN_TTL", "72h")

	v.SetDefault("CERTIFICATES_STORAGE_DIR", "./certificates")
	v.SetDefault("CERTIFICATES_VERIFY_BASE_URL", "http://localhost:8080/api/v1/certification/certificates")
	v.SetDefault("CERTIFICATES_CACHE_TTL", "1h")
	v.SetDefault("CERTIFICATES_ISSUER_NAME", "Organic Certification Authority")

	v.SetDefault("JOBS_WORKERS", 2)
	v.SetDefault("JOBS_RETRIES", 3)
	v.SetDefault("JOBS_RETRY_DELAY", "2s")
	v.SetDefault("JOBS_CLEANUP_INTERVAL", "1h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
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
