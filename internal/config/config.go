package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/macjediwizard/calnotionsync/internal/validator"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrSecretSize       = errors.New("admin token and cron secret must be at least 16 characters")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Calendar provider names.
const (
	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"
)

const minSecretLength = 16

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Store        StoreConfig
	Calendar     CalendarConfig
	Notion       NotionConfig
	Security     SecurityConfig
	Sync         SyncConfig
	Scheduler    SchedulerConfig
	Logging      LoggingConfig
	Alerts       AlertConfig
	RateLimiting RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string // Public URL used for webhook callbacks; optional
	Environment Environment
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	DSN string
}

// CalendarConfig holds calendar provider configuration.
type CalendarConfig struct {
	Provider string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRefreshToken string
	GoogleCalendarID   string

	CalDAVURL      string
	CalDAVUsername string
	CalDAVPassword string
}

// NotionConfig holds Notion API configuration.
type NotionConfig struct {
	Token            string
	DatabaseID       string
	APIBaseURL       string
	FieldMappingPath string
}

// SecurityConfig holds the bearer secrets for the admin and cron endpoints.
type SecurityConfig struct {
	AdminToken string
	CronSecret string
}

// SyncConfig holds reconciliation tuning.
type SyncConfig struct {
	RenewalThreshold    time.Duration
	DedupTTL            time.Duration
	LookbackDays        int
	LogCapacity         int
	BackfillBatchSize   int
	BackfillMaxDuration time.Duration
}

// SchedulerConfig controls the in-process periodic jobs.
type SchedulerConfig struct {
	Enabled       bool
	PollInterval  time.Duration
	RenewInterval time.Duration
}

// LoggingConfig controls the optional rotated log file.
type LoggingConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AlertConfig holds alert notification configuration.
type AlertConfig struct {
	WebhookEnabled  bool
	WebhookURL      string
	EmailEnabled    bool
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SMTPTo          []string
	SMTPTLS         bool
	CooldownMinutes int
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := &Config{}
	var err error

	// Server configuration
	if cfg.Server.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.BaseURL = strings.TrimRight(getEnv("BASE_URL", ""), "/")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	// State store
	cfg.Store.DSN = getEnv("STATE_DSN", "sqlite:///data/calnotionsync.db")

	// Calendar provider
	cfg.Calendar.Provider = strings.ToLower(getEnv("CALENDAR_PROVIDER", ProviderGoogle))
	cfg.Calendar.GoogleClientID = getEnvRequired("GOOGLE_CLIENT_ID")
	cfg.Calendar.GoogleClientSecret = getEnvRequired("GOOGLE_CLIENT_SECRET")
	cfg.Calendar.GoogleRefreshToken = getEnvRequired("GOOGLE_REFRESH_TOKEN")
	cfg.Calendar.GoogleCalendarID = getEnv("GOOGLE_CALENDAR_ID", "primary")
	cfg.Calendar.CalDAVURL = getEnvRequired("CALDAV_URL")
	cfg.Calendar.CalDAVUsername = getEnvRequired("CALDAV_USERNAME")
	cfg.Calendar.CalDAVPassword = getEnvRequired("CALDAV_PASSWORD")

	// Notion
	cfg.Notion.Token = getEnvRequired("NOTION_TOKEN")
	cfg.Notion.DatabaseID = getEnvRequired("NOTION_DATABASE_ID")
	cfg.Notion.APIBaseURL = getEnv("NOTION_API_BASE_URL", "https://api.notion.com")
	cfg.Notion.FieldMappingPath = getEnvRequired("FIELD_MAPPING_PATH")

	// Security
	cfg.Security.AdminToken = getEnvRequired("ADMIN_TOKEN")
	cfg.Security.CronSecret = getEnvRequired("CRON_SECRET")

	// Sync tuning
	hours, err := getEnvInt("RENEWAL_THRESHOLD_HOURS", 6)
	if err != nil {
		return nil, fmt.Errorf("%w: RENEWAL_THRESHOLD_HOURS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.RenewalThreshold = time.Duration(hours) * time.Hour

	seconds, err := getEnvInt("DEDUP_TTL_SECONDS", 300)
	if err != nil {
		return nil, fmt.Errorf("%w: DEDUP_TTL_SECONDS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.DedupTTL = time.Duration(seconds) * time.Second

	if cfg.Sync.LookbackDays, err = getEnvInt("LOOKBACK_DAYS", 30); err != nil {
		return nil, fmt.Errorf("%w: LOOKBACK_DAYS: %w", ErrInvalidConfig, err)
	}
	if cfg.Sync.LogCapacity, err = getEnvInt("LOG_CAPACITY", 200); err != nil {
		return nil, fmt.Errorf("%w: LOG_CAPACITY: %w", ErrInvalidConfig, err)
	}
	if cfg.Sync.BackfillBatchSize, err = getEnvInt("BACKFILL_BATCH_SIZE", 25); err != nil {
		return nil, fmt.Errorf("%w: BACKFILL_BATCH_SIZE: %w", ErrInvalidConfig, err)
	}
	seconds, err = getEnvInt("BACKFILL_MAX_DURATION_SECONDS", 780)
	if err != nil {
		return nil, fmt.Errorf("%w: BACKFILL_MAX_DURATION_SECONDS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.BackfillMaxDuration = time.Duration(seconds) * time.Second

	// Scheduler
	cfg.Scheduler.Enabled = getEnvBool("SCHEDULER_ENABLED", false)
	seconds, err = getEnvInt("POLL_INTERVAL_SECONDS", 900)
	if err != nil {
		return nil, fmt.Errorf("%w: POLL_INTERVAL_SECONDS: %w", ErrInvalidConfig, err)
	}
	cfg.Scheduler.PollInterval = time.Duration(seconds) * time.Second
	seconds, err = getEnvInt("RENEW_INTERVAL_SECONDS", 3600)
	if err != nil {
		return nil, fmt.Errorf("%w: RENEW_INTERVAL_SECONDS: %w", ErrInvalidConfig, err)
	}
	cfg.Scheduler.RenewInterval = time.Duration(seconds) * time.Second

	// Logging
	cfg.Logging.File = getEnvRequired("LOG_FILE")
	if cfg.Logging.MaxSizeMB, err = getEnvInt("LOG_MAX_SIZE_MB", 50); err != nil {
		return nil, fmt.Errorf("%w: LOG_MAX_SIZE_MB: %w", ErrInvalidConfig, err)
	}
	if cfg.Logging.MaxBackups, err = getEnvInt("LOG_MAX_BACKUPS", 5); err != nil {
		return nil, fmt.Errorf("%w: LOG_MAX_BACKUPS: %w", ErrInvalidConfig, err)
	}
	if cfg.Logging.MaxAgeDays, err = getEnvInt("LOG_MAX_AGE_DAYS", 28); err != nil {
		return nil, fmt.Errorf("%w: LOG_MAX_AGE_DAYS: %w", ErrInvalidConfig, err)
	}

	// Alerts
	cfg.Alerts.WebhookURL = getEnvRequired("ALERT_WEBHOOK_URL")
	cfg.Alerts.WebhookEnabled = cfg.Alerts.WebhookURL != ""
	cfg.Alerts.SMTPHost = getEnvRequired("SMTP_HOST")
	cfg.Alerts.EmailEnabled = cfg.Alerts.SMTPHost != ""
	if cfg.Alerts.SMTPPort, err = getEnvInt("SMTP_PORT", 587); err != nil {
		return nil, fmt.Errorf("%w: SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.SMTPUsername = getEnvRequired("SMTP_USERNAME")
	cfg.Alerts.SMTPPassword = getEnvRequired("SMTP_PASSWORD")
	cfg.Alerts.SMTPFrom = getEnvRequired("SMTP_FROM")
	cfg.Alerts.SMTPTo = splitList(getEnvRequired("SMTP_TO"))
	cfg.Alerts.SMTPTLS = getEnvBool("SMTP_TLS", false)
	if cfg.Alerts.CooldownMinutes, err = getEnvInt("ALERT_COOLDOWN_MINUTES", 60); err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}

	// Rate limiting configuration
	if cfg.RateLimiting.RPS, err = getEnvFloat("RATE_LIMIT_RPS", 10.0); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.RateLimiting.Burst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	if err := cfg.checkValues(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Notion.Token == "" {
		missing = append(missing, "NOTION_TOKEN")
	}
	if c.Notion.DatabaseID == "" {
		missing = append(missing, "NOTION_DATABASE_ID")
	}
	if c.Security.AdminToken == "" {
		missing = append(missing, "ADMIN_TOKEN")
	}
	if c.Security.CronSecret == "" {
		missing = append(missing, "CRON_SECRET")
	}

	switch c.Calendar.Provider {
	case ProviderGoogle:
		if c.Calendar.GoogleClientID == "" {
			missing = append(missing, "GOOGLE_CLIENT_ID")
		}
		if c.Calendar.GoogleClientSecret == "" {
			missing = append(missing, "GOOGLE_CLIENT_SECRET")
		}
		if c.Calendar.GoogleRefreshToken == "" {
			missing = append(missing, "GOOGLE_REFRESH_TOKEN")
		}
	case ProviderCalDAV:
		if c.Calendar.CalDAVURL == "" {
			missing = append(missing, "CALDAV_URL")
		}
	}

	return missing
}

// checkValues rejects values that parse but cannot work.
func (c *Config) checkValues() error {
	if c.Calendar.Provider != ProviderGoogle && c.Calendar.Provider != ProviderCalDAV {
		return fmt.Errorf("%w: CALENDAR_PROVIDER must be %q or %q", ErrInvalidConfig, ProviderGoogle, ProviderCalDAV)
	}
	if len(c.Security.AdminToken) < minSecretLength || len(c.Security.CronSecret) < minSecretLength {
		return ErrSecretSize
	}
	if c.Sync.RenewalThreshold <= 0 {
		return fmt.Errorf("%w: RENEWAL_THRESHOLD_HOURS must be positive", ErrInvalidConfig)
	}
	if c.Sync.DedupTTL <= 0 {
		return fmt.Errorf("%w: DEDUP_TTL_SECONDS must be positive", ErrInvalidConfig)
	}
	if c.Sync.LookbackDays < 1 {
		return fmt.Errorf("%w: LOOKBACK_DAYS must be at least 1", ErrInvalidConfig)
	}
	if c.Sync.LogCapacity < 1 {
		return fmt.Errorf("%w: LOG_CAPACITY must be at least 1", ErrInvalidConfig)
	}
	if c.Sync.BackfillBatchSize < 1 {
		return fmt.Errorf("%w: BACKFILL_BATCH_SIZE must be at least 1", ErrInvalidConfig)
	}
	if c.Sync.BackfillMaxDuration <= 0 {
		return fmt.Errorf("%w: BACKFILL_MAX_DURATION_SECONDS must be positive", ErrInvalidConfig)
	}
	if c.Scheduler.Enabled && c.Scheduler.PollInterval < time.Minute {
		return fmt.Errorf("%w: POLL_INTERVAL_SECONDS must be at least 60", ErrInvalidConfig)
	}
	return nil
}

// Validate checks URL formats and, for CalDAV, that the endpoint answers.
func (c *Config) Validate(ctx context.Context) error {
	v := validator.New()

	if c.Server.BaseURL != "" {
		if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
		}
	}

	if err := v.ValidateURL(c.Notion.APIBaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: NOTION_API_BASE_URL: %w", ErrValidationFailed, err)
	}

	if err := validator.ValidateNotionID(c.Notion.DatabaseID); err != nil {
		return fmt.Errorf("%w: NOTION_DATABASE_ID: %w", ErrValidationFailed, err)
	}

	if c.Calendar.Provider == ProviderCalDAV {
		if err := v.ValidateCalDAVEndpoint(ctx, c.Calendar.CalDAVURL); err != nil {
			return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// CalendarWebhookURL is the callback registered with calendar push channels.
// It is empty when BASE_URL is not configured.
func (c *Config) CalendarWebhookURL() string {
	if c.Server.BaseURL == "" {
		return ""
	}
	return c.Server.BaseURL + "/webhooks/calendar"
}

// NotionWebhookURL is the callback registered with the Notion subscription.
func (c *Config) NotionWebhookURL() string {
	if c.Server.BaseURL == "" {
		return ""
	}
	return c.Server.BaseURL + "/webhooks/notion"
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
// Unparseable values fall back to the default.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
