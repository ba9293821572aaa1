// Package config resolves service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the analysis service.
type Config struct {
	Redis       *RedisConfig
	Storage     *StorageConfig
	Analysis    *AnalysisConfig
	Credentials *CredentialConfig
	HTTP        *HTTPConfig
	Retention   *RetentionConfig
}

// RedisConfig holds connection settings for the KV store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// PoolSize bounds concurrent connections; zero uses the client default.
	PoolSize int
}

// StorageConfig holds TTLs and the on-disk layout root.
type StorageConfig struct {
	// Root is the directory under which results/ and temp/ live.
	Root string

	// FileTTL is the KV lifetime of uploaded file blobs. Refreshed when a
	// task references the file.
	FileTTL time.Duration

	// MetadataTTL is the KV lifetime of job metadata and ownership keys.
	MetadataTTL time.Duration

	// CancelTTL bounds how long a cancellation flag persists.
	CancelTTL time.Duration

	// CompressThreshold is the minimum blob size eligible for zlib
	// compression.
	CompressThreshold int64

	// MaxRetries bounds KV operation retries before degrading.
	MaxRetries int
}

// AnalysisConfig controls chunking and token charging.
type AnalysisConfig struct {
	// MaxPagesPerChunk is the largest page range analyzed in one LLM call.
	MaxPagesPerChunk int

	// FlashTokensPerChunk / ProTokensPerChunk are the per-chunk charges
	// debited from the user ledger.
	FlashTokensPerChunk int64
	ProTokensPerChunk   int64

	// DefaultMinRelevance filters slides scoring below it (0..110).
	DefaultMinRelevance int
}

// CredentialConfig controls the external API key pool.
type CredentialConfig struct {
	// APIKeys are the external LLM credentials, in rotation order.
	APIKeys []string

	// PerKeyLimit is the number of in-flight calls allowed per credential.
	PerKeyLimit int

	// FailureThreshold consecutive failures put a credential in cooldown.
	FailureThreshold int

	// Cooldown is how long a tripped credential is excluded from selection.
	Cooldown time.Duration

	// CoolingWait is the bounded sleep used when every credential is
	// cooling before selection is retried.
	CoolingWait time.Duration

	// FlashModel and ProModel are the vendor model names per tier.
	FlashModel string
	ProModel   string
}

// HTTPConfig holds the operator API settings.
type HTTPConfig struct {
	Port string
}

// RetentionConfig controls the background cleanup sweeper.
type RetentionConfig struct {
	// SessionAge is how long temp chunk ledgers are kept after their last
	// modification.
	SessionAge time.Duration

	// ResultAge is how long result mirrors are kept on disk.
	ResultAge time.Duration

	// Interval is the sweep period.
	Interval time.Duration
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for anything unset.
func FromEnv() (*Config, error) {
	cfg := Default()

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.DialTimeout = getEnvDuration("REDIS_DIAL_TIMEOUT", cfg.Redis.DialTimeout)
	cfg.Redis.ReadTimeout = getEnvDuration("REDIS_READ_TIMEOUT", cfg.Redis.ReadTimeout)
	cfg.Redis.WriteTimeout = getEnvDuration("REDIS_WRITE_TIMEOUT", cfg.Redis.WriteTimeout)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", cfg.Redis.PoolSize)

	cfg.Storage.Root = getEnv("STORAGE_ROOT", cfg.Storage.Root)
	cfg.Storage.FileTTL = time.Duration(getEnvInt("FILE_TTL_SECONDS", int(cfg.Storage.FileTTL/time.Second))) * time.Second
	cfg.Storage.MetadataTTL = getEnvDuration("METADATA_TTL", cfg.Storage.MetadataTTL)
	cfg.Storage.CancelTTL = getEnvDuration("CANCEL_TTL", cfg.Storage.CancelTTL)

	cfg.Analysis.MaxPagesPerChunk = getEnvInt("MAX_PAGES_PER_CHUNK", cfg.Analysis.MaxPagesPerChunk)
	cfg.Analysis.FlashTokensPerChunk = int64(getEnvInt("FLASH_TOKENS_PER_CHUNK", int(cfg.Analysis.FlashTokensPerChunk)))
	cfg.Analysis.ProTokensPerChunk = int64(getEnvInt("PRO_TOKENS_PER_CHUNK", int(cfg.Analysis.ProTokensPerChunk)))
	cfg.Analysis.DefaultMinRelevance = getEnvInt("DEFAULT_MIN_RELEVANCE", cfg.Analysis.DefaultMinRelevance)

	if keys := getEnv("GEMINI_API_KEYS", ""); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Credentials.APIKeys = append(cfg.Credentials.APIKeys, k)
			}
		}
	} else if key := getEnv("GEMINI_API_KEY", ""); key != "" {
		cfg.Credentials.APIKeys = []string{key}
	}
	cfg.Credentials.PerKeyLimit = getEnvInt("PER_KEY_CONCURRENCY", cfg.Credentials.PerKeyLimit)
	cfg.Credentials.FailureThreshold = getEnvInt("CREDENTIAL_FAILURE_THRESHOLD", cfg.Credentials.FailureThreshold)
	cfg.Credentials.Cooldown = getEnvDuration("CREDENTIAL_COOLDOWN", cfg.Credentials.Cooldown)
	cfg.Credentials.CoolingWait = getEnvDuration("CREDENTIAL_COOLING_WAIT", cfg.Credentials.CoolingWait)
	cfg.Credentials.FlashModel = getEnv("GEMINI_FLASH_MODEL", cfg.Credentials.FlashModel)
	cfg.Credentials.ProModel = getEnv("GEMINI_PRO_MODEL", cfg.Credentials.ProModel)

	cfg.HTTP.Port = getEnv("HTTP_PORT", cfg.HTTP.Port)

	cfg.Retention.SessionAge = getEnvDuration("SESSION_RETENTION", cfg.Retention.SessionAge)
	cfg.Retention.ResultAge = getEnvDuration("RESULT_RETENTION", cfg.Retention.ResultAge)
	cfg.Retention.Interval = getEnvDuration("CLEANUP_INTERVAL", cfg.Retention.Interval)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return NewFieldError("storage", "root", ErrMissingRequiredField)
	}
	if c.Analysis.MaxPagesPerChunk < 1 {
		return NewFieldError("analysis", "max_pages_per_chunk", ErrInvalidValue)
	}
	if c.Credentials.PerKeyLimit < 1 {
		return NewFieldError("credentials", "per_key_limit", ErrInvalidValue)
	}
	if c.Credentials.FailureThreshold < 1 {
		return NewFieldError("credentials", "failure_threshold", ErrInvalidValue)
	}
	if c.Analysis.DefaultMinRelevance < 0 || c.Analysis.DefaultMinRelevance > 110 {
		return NewFieldError("analysis", "default_min_relevance", ErrInvalidValue)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
