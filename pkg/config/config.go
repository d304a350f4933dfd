package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAPIBaseURL        = "https://api.app.shortcut.com/api/v3"
	DefaultAppPrefix         = "shortcut"
	DefaultHelpdeskLabel     = "Deskpro"
	DefaultHelpdeskLabelHex  = "#4196d4"
	DefaultDependencyTTL     = 5 * time.Minute
	DefaultDebounceDelay     = 200 * time.Millisecond
	DefaultSearchDebounce    = 500 * time.Millisecond
	DefaultSearchPageSize    = 25
	DefaultWidgetIdleTimeout = 30 * time.Minute
	DefaultHostStorePath     = "storylink.db"
	DefaultSagaJournalDir    = ".storylink/sagas"
	DefaultSagaJournalFormat = "yaml"
)

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config represents the application configuration
type Config struct {
	// Story tracker API
	APIBaseURL     string        `env:"SHORTCUT_API_URL" default:"https://api.app.shortcut.com/api/v3"`
	APIToken       string        `env:"SHORTCUT_API_TOKEN" validate:"required"`
	AdminToken     string        `env:"SHORTCUT_ADMIN_TOKEN"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" default:"30s"`

	// Rate limiting configuration
	RateLimitDelay         time.Duration `env:"RATE_LIMIT_DELAY" default:"100ms"`
	MaxConcurrentRequests  int           `env:"MAX_CONCURRENT_REQUESTS" default:"5"`
	ExponentialBackoffBase time.Duration `env:"EXPONENTIAL_BACKOFF_BASE" default:"1s"`
	MaxBackoffDelay        time.Duration `env:"MAX_BACKOFF_DELAY" default:"30s"`

	// Reference data cache
	DependencyCacheTTL time.Duration `env:"DEPENDENCY_CACHE_TTL" default:"5m"`
	CacheBackend       string        `env:"CACHE_BACKEND" validate:"oneof=memory redis" default:"memory"`
	RedisAddr          string        `env:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword      string        `env:"REDIS_PASSWORD"`
	RedisDB            int           `env:"REDIS_DB" default:"0"`

	// Host stores and saga journal
	HostStorePath     string `env:"HOST_STORE_PATH" default:"storylink.db"`
	SagaJournalDir    string `env:"SAGA_JOURNAL_DIR" default:".storylink/sagas"`
	SagaJournalFormat string `env:"SAGA_JOURNAL_FORMAT" validate:"oneof=yaml json" default:"yaml"`
	SagaStepRetries   int    `env:"SAGA_STEP_RETRIES" default:"2"`

	// Widget behaviour
	AppPrefix            string        `env:"APP_PREFIX" default:"shortcut"`
	CommentOnNote        bool          `env:"COMMENT_ON_NOTE" default:"false"`
	CommentOnReply       bool          `env:"COMMENT_ON_REPLY" default:"false"`
	DontAddHelpdeskLabel bool          `env:"DONT_ADD_HELPDESK_LABEL" default:"false"`
	HelpdeskLabelName    string        `env:"HELPDESK_LABEL_NAME" default:"Deskpro"`
	HelpdeskLabelColor   string        `env:"HELPDESK_LABEL_COLOR" default:"#4196d4"`
	SelectOnLink         bool          `env:"SELECT_ON_LINK" default:"true"`
	CommentOnLink        bool          `env:"COMMENT_ON_LINK" default:"false"`
	DebounceDelay        time.Duration `env:"DEBOUNCE_DELAY" default:"200ms"`
	SearchDebounceDelay  time.Duration `env:"SEARCH_DEBOUNCE_DELAY" default:"500ms"`
	SearchPageSize       int           `env:"SEARCH_PAGE_SIZE" default:"25"`
	WidgetIdleTimeout    time.Duration `env:"WIDGET_IDLE_TIMEOUT" default:"30m"`

	// Host bridge server
	ServerHost string `env:"SERVER_HOST" default:"0.0.0.0"`
	ServerPort int    `env:"SERVER_PORT" default:"8080"`

	// Application configuration
	LogLevel  string `env:"LOG_LEVEL" validate:"oneof=debug info warn error" default:"info"`
	LogFormat string `env:"LOG_FORMAT" validate:"oneof=text json" default:"text"`
}

// AutoTagEnabled reports whether linked stories get the helpdesk label
func (c *Config) AutoTagEnabled() bool {
	return !c.DontAddHelpdeskLabel
}

// Provider defines the interface for configuration management
type Provider interface {
	Load() (*Config, error)
	Validate(*Config) error
	LoadFromEnv() (*Config, error)
}

// Loader implements the Provider interface
type Loader struct {
	envLoader EnvLoader
}

// EnvLoader defines interface for environment variable loading
// This allows for testing with mock environment variables
type EnvLoader interface {
	Getenv(key string) string
	LookupEnv(key string) (string, bool)
}

// OSEnvLoader implements EnvLoader using os package
type OSEnvLoader struct{}

func (o *OSEnvLoader) Getenv(key string) string {
	return os.Getenv(key)
}

func (o *OSEnvLoader) LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// NewLoader creates a new configuration loader
func NewLoader() Provider {
	return &Loader{
		envLoader: &OSEnvLoader{},
	}
}

// NewLoaderWithEnv creates a loader with custom environment loader (for testing)
func NewLoaderWithEnv(envLoader EnvLoader) Provider {
	return &Loader{
		envLoader: envLoader,
	}
}

// Load loads configuration from environment variables
func (l *Loader) Load() (*Config, error) {
	return l.LoadFromEnv()
}

// LoadFromEnv loads configuration from environment variables
func (l *Loader) LoadFromEnv() (*Config, error) {
	config := Defaults()

	config.APIBaseURL = strings.TrimRight(l.getEnvWithDefault("SHORTCUT_API_URL", DefaultAPIBaseURL), "/")
	config.APIToken = l.envLoader.Getenv("SHORTCUT_API_TOKEN")
	config.AdminToken = l.envLoader.Getenv("SHORTCUT_ADMIN_TOKEN")
	config.RequestTimeout = l.getDurationWithDefault("REQUEST_TIMEOUT", config.RequestTimeout)

	config.RateLimitDelay = l.getDurationWithDefault("RATE_LIMIT_DELAY", config.RateLimitDelay)
	config.MaxConcurrentRequests = l.getIntWithDefault("MAX_CONCURRENT_REQUESTS", config.MaxConcurrentRequests)
	config.ExponentialBackoffBase = l.getDurationWithDefault("EXPONENTIAL_BACKOFF_BASE", config.ExponentialBackoffBase)
	config.MaxBackoffDelay = l.getDurationWithDefault("MAX_BACKOFF_DELAY", config.MaxBackoffDelay)

	config.DependencyCacheTTL = l.getDurationWithDefault("DEPENDENCY_CACHE_TTL", config.DependencyCacheTTL)
	config.CacheBackend = l.getEnvWithDefault("CACHE_BACKEND", config.CacheBackend)
	config.RedisAddr = l.getEnvWithDefault("REDIS_ADDR", config.RedisAddr)
	config.RedisPassword = l.envLoader.Getenv("REDIS_PASSWORD")
	config.RedisDB = l.getIntWithDefault("REDIS_DB", config.RedisDB)

	config.HostStorePath = l.getEnvWithDefault("HOST_STORE_PATH", config.HostStorePath)
	config.SagaJournalDir = l.getEnvWithDefault("SAGA_JOURNAL_DIR", config.SagaJournalDir)
	config.SagaJournalFormat = l.getEnvWithDefault("SAGA_JOURNAL_FORMAT", config.SagaJournalFormat)
	config.SagaStepRetries = l.getIntWithDefault("SAGA_STEP_RETRIES", config.SagaStepRetries)

	config.AppPrefix = l.getEnvWithDefault("APP_PREFIX", config.AppPrefix)
	config.CommentOnNote = l.getBoolWithDefault("COMMENT_ON_NOTE", config.CommentOnNote)
	config.CommentOnReply = l.getBoolWithDefault("COMMENT_ON_REPLY", config.CommentOnReply)
	config.DontAddHelpdeskLabel = l.getBoolWithDefault("DONT_ADD_HELPDESK_LABEL", config.DontAddHelpdeskLabel)
	config.HelpdeskLabelName = l.getEnvWithDefault("HELPDESK_LABEL_NAME", config.HelpdeskLabelName)
	config.HelpdeskLabelColor = l.getEnvWithDefault("HELPDESK_LABEL_COLOR", config.HelpdeskLabelColor)
	config.SelectOnLink = l.getBoolWithDefault("SELECT_ON_LINK", config.SelectOnLink)
	config.CommentOnLink = l.getBoolWithDefault("COMMENT_ON_LINK", config.CommentOnLink)
	config.DebounceDelay = l.getDurationWithDefault("DEBOUNCE_DELAY", config.DebounceDelay)
	config.SearchDebounceDelay = l.getDurationWithDefault("SEARCH_DEBOUNCE_DELAY", config.SearchDebounceDelay)
	config.SearchPageSize = l.getIntWithDefault("SEARCH_PAGE_SIZE", config.SearchPageSize)
	config.WidgetIdleTimeout = l.getDurationWithDefault("WIDGET_IDLE_TIMEOUT", config.WidgetIdleTimeout)

	config.ServerHost = l.getEnvWithDefault("SERVER_HOST", config.ServerHost)
	config.ServerPort = l.getIntWithDefault("SERVER_PORT", config.ServerPort)

	config.LogLevel = l.getEnvWithDefault("LOG_LEVEL", config.LogLevel)
	config.LogFormat = l.getEnvWithDefault("LOG_FORMAT", config.LogFormat)

	if err := l.Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Defaults returns a configuration populated with default values only.
// APIToken is left empty and must be supplied before validation passes.
func Defaults() *Config {
	return &Config{
		APIBaseURL:             DefaultAPIBaseURL,
		RequestTimeout:         30 * time.Second,
		RateLimitDelay:         100 * time.Millisecond,
		MaxConcurrentRequests:  5,
		ExponentialBackoffBase: 1 * time.Second,
		MaxBackoffDelay:        30 * time.Second,
		DependencyCacheTTL:     DefaultDependencyTTL,
		CacheBackend:           CacheBackendMemory,
		RedisAddr:              "localhost:6379",
		HostStorePath:          DefaultHostStorePath,
		SagaJournalDir:         DefaultSagaJournalDir,
		SagaJournalFormat:      DefaultSagaJournalFormat,
		SagaStepRetries:        2,
		AppPrefix:              DefaultAppPrefix,
		HelpdeskLabelName:      DefaultHelpdeskLabel,
		HelpdeskLabelColor:     DefaultHelpdeskLabelHex,
		SelectOnLink:           true,
		DebounceDelay:          DefaultDebounceDelay,
		SearchDebounceDelay:    DefaultSearchDebounce,
		SearchPageSize:         DefaultSearchPageSize,
		WidgetIdleTimeout:      DefaultWidgetIdleTimeout,
		ServerHost:             "0.0.0.0",
		ServerPort:             8080,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Validate validates the configuration
func (l *Loader) Validate(config *Config) error {
	var errors []string

	if config.APIBaseURL == "" {
		errors = append(errors, "SHORTCUT_API_URL is required")
	} else if err := l.validateURL(config.APIBaseURL); err != nil {
		errors = append(errors, fmt.Sprintf("SHORTCUT_API_URL is invalid: %v", err))
	}

	if config.APIToken == "" {
		errors = append(errors, "SHORTCUT_API_TOKEN is required")
	}

	if config.RequestTimeout <= 0 {
		errors = append(errors, "REQUEST_TIMEOUT must be positive")
	}
	if config.RateLimitDelay < 0 {
		errors = append(errors, "RATE_LIMIT_DELAY must be non-negative")
	}
	if config.MaxConcurrentRequests < 1 {
		errors = append(errors, "MAX_CONCURRENT_REQUESTS must be at least 1")
	}
	if config.ExponentialBackoffBase < 0 {
		errors = append(errors, "EXPONENTIAL_BACKOFF_BASE must be non-negative")
	}
	if config.MaxBackoffDelay < 0 {
		errors = append(errors, "MAX_BACKOFF_DELAY must be non-negative")
	}
	if config.MaxBackoffDelay < config.ExponentialBackoffBase {
		errors = append(errors, "MAX_BACKOFF_DELAY must be greater than or equal to EXPONENTIAL_BACKOFF_BASE")
	}

	if config.DependencyCacheTTL < 0 {
		errors = append(errors, "DEPENDENCY_CACHE_TTL must be non-negative")
	}
	if err := l.validateOneOf(config.CacheBackend, CacheBackendMemory, CacheBackendRedis); err != nil {
		errors = append(errors, fmt.Sprintf("CACHE_BACKEND is invalid: %v", err))
	}
	if config.CacheBackend == CacheBackendRedis && config.RedisAddr == "" {
		errors = append(errors, "REDIS_ADDR is required when CACHE_BACKEND is redis")
	}

	if config.HostStorePath == "" {
		errors = append(errors, "HOST_STORE_PATH is required")
	}
	if err := l.validateOneOf(config.SagaJournalFormat, "yaml", "json"); err != nil {
		errors = append(errors, fmt.Sprintf("SAGA_JOURNAL_FORMAT is invalid: %v", err))
	}
	if config.SagaStepRetries < 0 {
		errors = append(errors, "SAGA_STEP_RETRIES must be non-negative")
	}

	if config.AppPrefix == "" {
		errors = append(errors, "APP_PREFIX is required")
	} else if strings.ContainsAny(config.AppPrefix, "/*") {
		errors = append(errors, "APP_PREFIX must not contain '/' or '*'")
	}
	if config.AutoTagEnabled() && config.HelpdeskLabelName == "" {
		errors = append(errors, "HELPDESK_LABEL_NAME is required unless DONT_ADD_HELPDESK_LABEL is set")
	}
	if config.DebounceDelay < 0 || config.SearchDebounceDelay < 0 {
		errors = append(errors, "debounce delays must be non-negative")
	}
	if config.WidgetIdleTimeout < 0 {
		errors = append(errors, "WIDGET_IDLE_TIMEOUT must be non-negative")
	}
	if config.SearchPageSize < 1 || config.SearchPageSize > 25 {
		errors = append(errors, "SEARCH_PAGE_SIZE must be between 1 and 25")
	}
	if config.ServerPort < 0 || config.ServerPort > 65535 {
		errors = append(errors, "SERVER_PORT must be between 0 and 65535")
	}

	if err := l.validateLogLevel(config.LogLevel); err != nil {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL is invalid: %v", err))
	}

	if err := l.validateLogFormat(config.LogFormat); err != nil {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT is invalid: %v", err))
	}

	if len(errors) > 0 {
		return &ValidationError{Errors: errors}
	}

	return nil
}

// ValidationError represents configuration validation errors
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Helper methods

func (l *Loader) getEnvWithDefault(key, defaultValue string) string {
	if value := l.envLoader.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (l *Loader) validateURL(urlStr string) error {
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func (l *Loader) validateOneOf(value string, valid ...string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("must be one of: %s", strings.Join(valid, ", "))
}

func (l *Loader) validateLogLevel(level string) error {
	return l.validateOneOf(level, "debug", "info", "warn", "error")
}

func (l *Loader) validateLogFormat(format string) error {
	return l.validateOneOf(format, "text", "json")
}

// getDurationWithDefault gets a duration from environment with fallback to default
func (l *Loader) getDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := l.envLoader.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}

	return defaultValue
}

// getIntWithDefault gets an integer from environment with fallback to default
func (l *Loader) getIntWithDefault(key string, defaultValue int) int {
	valueStr := l.envLoader.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}

	return defaultValue
}

// getBoolWithDefault gets a boolean from environment with fallback to default
func (l *Loader) getBoolWithDefault(key string, defaultValue bool) bool {
	valueStr := l.envLoader.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}

	return defaultValue
}
