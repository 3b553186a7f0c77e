package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vdavid/mailcore/internal/models"
)

// RateLimit holds the rolling-window send caps for one provider. Zero means unlimited.
type RateLimit struct {
	Hourly int
	Daily  int
}

// OAuthClient holds the application credentials used to refresh user tokens.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	Tenant       string
}

type SyncConfig struct {
	BatchSize       int
	FullResyncLimit int
	FetchTimeout    time.Duration
	PersistTimeout  time.Duration
	IMAPIdle        bool
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type SendConfig struct {
	Timeout          time.Duration
	ConnectTimeout   time.Duration
	HealthCheckAfter time.Duration
	ScoreBlock       int
	ScoreWarn        int
	MinTextLength    int
	SpamdAddr        string
}

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string
	LogLevel            string

	Sync       SyncConfig
	Retry      RetryConfig
	Send       SendConfig
	RateLimits map[models.ProviderKind]RateLimit

	Google       OAuthClient
	Microsoft    OAuthClient
	GraphBaseURL string
	RedisURL     string

	// InsecureTransport dials IMAP and SMTP without TLS. Development and tests only.
	InsecureTransport bool
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILCORE_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	r := &envReader{}
	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILCORE_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("MAILCORE_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILCORE_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILCORE_DB_USER", "mailcore"),
		DBPassword:          os.Getenv("MAILCORE_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILCORE_DB_NAME", "mailcore"),
		DBSSLMode:           getEnvOrDefault("MAILCORE_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
		LogLevel:            getEnvOrDefault("MAILCORE_LOG_LEVEL", "info"),
		Sync: SyncConfig{
			BatchSize:       r.intVar("MAILCORE_SYNC_BATCH_SIZE", 10),
			FullResyncLimit: r.intVar("MAILCORE_SYNC_FULL_RESYNC_LIMIT", 200),
			FetchTimeout:    r.durationVar("MAILCORE_FETCH_TIMEOUT", 60*time.Second),
			PersistTimeout:  r.durationVar("MAILCORE_PERSIST_TIMEOUT", 10*time.Second),
			IMAPIdle:        r.boolVar("MAILCORE_IMAP_IDLE", false),
		},
		Retry: RetryConfig{
			MaxRetries: r.intVar("MAILCORE_RETRY_MAX_RETRIES", 2),
			BaseDelay:  r.durationVar("MAILCORE_RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:   r.durationVar("MAILCORE_RETRY_MAX_DELAY", 5*time.Second),
		},
		Send: SendConfig{
			Timeout:          r.durationVar("MAILCORE_SEND_TIMEOUT", 30*time.Second),
			ConnectTimeout:   r.durationVar("MAILCORE_CONNECT_TIMEOUT", 15*time.Second),
			HealthCheckAfter: r.durationVar("MAILCORE_HEALTH_CHECK_AFTER", time.Minute),
			ScoreBlock:       r.intVar("MAILCORE_SCORE_BLOCK", 7),
			ScoreWarn:        r.intVar("MAILCORE_SCORE_WARN", 5),
			MinTextLength:    r.intVar("MAILCORE_MIN_TEXT_LENGTH", 10),
			SpamdAddr:        os.Getenv("MAILCORE_SPAMD_ADDR"),
		},
		RateLimits: map[models.ProviderKind]RateLimit{
			models.ProviderGmail:   r.rateLimit(models.ProviderGmail, 100, 500),
			models.ProviderOutlook: r.rateLimit(models.ProviderOutlook, 100, 300),
			models.ProviderSMTP:    r.rateLimit(models.ProviderSMTP, 50, 200),
		},
		Google: OAuthClient{
			ClientID:     os.Getenv("MAILCORE_GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("MAILCORE_GOOGLE_CLIENT_SECRET"),
		},
		Microsoft: OAuthClient{
			ClientID:     os.Getenv("MAILCORE_MICROSOFT_CLIENT_ID"),
			ClientSecret: os.Getenv("MAILCORE_MICROSOFT_CLIENT_SECRET"),
			Tenant:       getEnvOrDefault("MAILCORE_MICROSOFT_TENANT", "common"),
		},
		GraphBaseURL:      getEnvOrDefault("MAILCORE_GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),
		RedisURL:          os.Getenv("MAILCORE_REDIS_URL"),
		InsecureTransport: r.boolVar("MAILCORE_INSECURE_TRANSPORT", false),
	}

	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILCORE_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILCORE_DB_PASSWORD is required")
	}

	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("MAILCORE_SYNC_BATCH_SIZE must be positive, got %d", c.Sync.BatchSize)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("MAILCORE_RETRY_MAX_RETRIES must not be negative, got %d", c.Retry.MaxRetries)
	}

	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("MAILCORE_RETRY_MAX_DELAY (%s) is below MAILCORE_RETRY_BASE_DELAY (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}

	if c.Send.ScoreWarn >= c.Send.ScoreBlock {
		return fmt.Errorf("MAILCORE_SCORE_WARN (%d) must be below MAILCORE_SCORE_BLOCK (%d)", c.Send.ScoreWarn, c.Send.ScoreBlock)
	}

	if c.Send.ScoreBlock > 10 || c.Send.ScoreWarn < 0 {
		return fmt.Errorf("deliverability thresholds must be within 0..10")
	}

	return nil
}

// GetDatabaseURL builds the Postgres URL, escaping credentials.
func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed values and collects every parse error so a bad
// deployment reports all of them at once.
type envReader struct {
	errs []error
}

func (r *envReader) intVar(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return n
}

func (r *envReader) durationVar(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	return d
}

func (r *envReader) boolVar(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, value))
		return defaultValue
	}
	return b
}

func (r *envReader) rateLimit(provider models.ProviderKind, hourly, daily int) RateLimit {
	prefix := "MAILCORE_RATE_" + strings.ToUpper(string(provider))
	return RateLimit{
		Hourly: r.intVar(prefix+"_HOURLY", hourly),
		Daily:  r.intVar(prefix+"_DAILY", daily),
	}
}
