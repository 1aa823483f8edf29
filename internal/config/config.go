package config

import (
	"encoding/base64"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBDSN    string
	HTTPAddr string
	LogLevel string
	RedisDSN string

	// raw secrets kept in-memory only; never log these
	EncryptionKeyRaw string
	EncryptionKey    []byte // decoded from EncryptionKeyRaw, 32 bytes
	AdminSecretKey   string
	CORSOrigins      []string

	// thumbnail mirror storage (S3-compatible); simulator is used when unset
	S3Endpoint        string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PublicURL       string
	S3Region          string

	// provider endpoints (overridable for staging/tests)
	VideoHubBaseURL   string
	SocialGramBaseURL string

	// sync engine tuning
	SyncWorkerCount        int           // parallel sync passes across connections
	PollInterval           time.Duration // scheduler tick
	ProviderCallTimeout    time.Duration // per outbound call
	FailureCeiling         int           // consecutive failures before FAILED
	IncrementalPageCeiling int           // max pages per incremental pass
	RetentionWindow        time.Duration // forced expiry for unauthorized data
	RetryBackoffInitial    time.Duration
	RetryBackoffMax        time.Duration

	// per-provider daily quota budgets, in quota units
	QuotaBudgetVideoHub   int64
	QuotaBudgetSocialGram int64
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:             os.Getenv("DB_DSN"),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
		RedisDSN:          getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		AdminSecretKey:    getenvDefault("ADMIN_SECRET_KEY", ""),
		S3Endpoint:        getenvDefault("S3_ENDPOINT", ""),
		S3Bucket:          getenvDefault("S3_BUCKET", ""),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3PublicURL:       getenvDefault("S3_PUBLIC_URL", ""),
		S3Region:          getenvDefault("S3_REGION", "auto"),
		VideoHubBaseURL:   getenvDefault("VIDEOHUB_API_URL", "https://api.videohub.example.com/v3"),
		SocialGramBaseURL: getenvDefault("SOCIALGRAM_API_URL", "https://graph.socialgram.example.com/v19"),
	}

	cfg.EncryptionKeyRaw = os.Getenv("ENCRYPTION_KEY")

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}

	// decode encryption key (base64, must be 32 bytes)
	if cfg.EncryptionKeyRaw != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKeyRaw)
		if err != nil {
			return Config{}, errors.New("ENCRYPTION_KEY must be valid base64")
		}
		if len(key) != 32 {
			return Config{}, errors.New("ENCRYPTION_KEY must be 32 bytes (256 bits)")
		}
		cfg.EncryptionKey = key
	}

	cfg.SyncWorkerCount = getenvInt("SYNC_WORKER_COUNT", 8)
	cfg.PollInterval = getenvDuration("POLL_INTERVAL", 5*time.Minute)
	cfg.ProviderCallTimeout = getenvDuration("PROVIDER_CALL_TIMEOUT", 30*time.Second)
	cfg.FailureCeiling = getenvInt("FAILURE_CEILING", 3)
	cfg.IncrementalPageCeiling = getenvInt("INCREMENTAL_PAGE_CEILING", 5)
	cfg.RetentionWindow = getenvDuration("RETENTION_WINDOW", 30*24*time.Hour)
	cfg.RetryBackoffInitial = getenvDuration("RETRY_BACKOFF_INITIAL", 1*time.Second)
	cfg.RetryBackoffMax = getenvDuration("RETRY_BACKOFF_MAX", 5*time.Minute)
	cfg.QuotaBudgetVideoHub = int64(getenvInt("QUOTA_BUDGET_VIDEOHUB", 10000))
	cfg.QuotaBudgetSocialGram = int64(getenvInt("QUOTA_BUDGET_SOCIALGRAM", 4800))

	// parse CORS origins
	corsOrigins := getenvDefault("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000"} // default
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
