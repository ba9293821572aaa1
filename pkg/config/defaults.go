package config

import "time"

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Redis: &RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     20,
		},
		Storage: &StorageConfig{
			Root:              "./data",
			FileTTL:           24 * time.Hour,
			MetadataTTL:       48 * time.Hour,
			CancelTTL:         1 * time.Hour,
			CompressThreshold: 1 << 20, // 1 MiB
			MaxRetries:        3,
		},
		Analysis: &AnalysisConfig{
			MaxPagesPerChunk:    40,
			FlashTokensPerChunk: 1,
			ProTokensPerChunk:   4,
			DefaultMinRelevance: 80,
		},
		Credentials: &CredentialConfig{
			PerKeyLimit:      1,
			FailureThreshold: 3,
			Cooldown:         10 * time.Minute,
			CoolingWait:      5 * time.Second,
			FlashModel:       "gemini-2.5-flash",
			ProModel:         "gemini-2.5-pro",
		},
		HTTP: &HTTPConfig{
			Port: "8080",
		},
		Retention: &RetentionConfig{
			SessionAge: 48 * time.Hour,
			ResultAge:  7 * 24 * time.Hour,
			Interval:   1 * time.Hour,
		},
	}
}
