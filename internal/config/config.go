package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Auth      AuthConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Engine    EngineConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Artifacts ArtifactsConfig
	Templates TemplatesConfig
	Webhook   WebhookConfig
	Tracing   TracingConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name  string
	Env   string
	Debug bool
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration // Per-request handler timeout
	ShutdownTimeout time.Duration
	MaxBodySize     int64
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	TLSEnabled    bool
	TLSSkipVerify bool
	MaxRetries    int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration

	// ChunkStreamMaxLen caps each job's output stream; older entries are
	// trimmed with XADD MAXLEN ~.
	ChunkStreamMaxLen int64
	// ChunkStreamTTL expires a job's stream after its last write.
	ChunkStreamTTL time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string

	// Sampling configuration for high-traffic production environments
	SamplingEnabled   bool
	SamplingThreshold int
	SamplingRate      float64
	ErrorSamplingRate float64

	SkipHealthLogs     bool
	SlowRequestSeconds int
}

// AuthConfig holds API authentication configuration. The engine serves
// trusted automation, not end users: a static API key is the whole story.
type AuthConfig struct {
	// APIKey guards every /api route. Empty disables auth (development only).
	APIKey string
	// HeaderName is the request header carrying the key.
	HeaderName string
}

// IsConfigured returns true if API key auth is enabled.
func (c *AuthConfig) IsConfigured() bool {
	return c.APIKey != ""
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled         bool
	RequestsPerSec  float64
	Burst           int
	CleanupInterval time.Duration
}

// EngineConfig holds scan execution configuration.
type EngineConfig struct {
	// Worker pool bounds. MinWorkers stay warm; extra workers spin up on
	// demand and retire after IdleTimeout.
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration

	// KillGracePeriod is how long a tool gets between SIGTERM and SIGKILL.
	KillGracePeriod time.Duration

	// ScratchDir holds per-job target lists and temp files.
	ScratchDir string
	// WordlistDir resolves relative wordlist names from profiles.
	WordlistDir string

	// StaleRunAge is how old a non-terminal run must be before the reaper
	// marks it failed.
	StaleRunAge time.Duration
	// ChunkRetention is how long persisted output chunks are kept.
	ChunkRetention time.Duration
}

// WorkerConfig holds the background task worker configuration.
type WorkerConfig struct {
	Enabled     bool
	Concurrency int
	Queues      map[string]int
}

// SchedulerConfig holds the scheduled-scan configuration.
type SchedulerConfig struct {
	Enabled bool
	// ReapInterval is the cron spec for the stale-run reaper.
	ReapInterval string
	// CleanupInterval is the cron spec for chunk retention cleanup.
	CleanupInterval string
}

// ArtifactsConfig holds S3 artifact archival configuration.
type ArtifactsConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string // Custom endpoint for MinIO and friends
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	Prefix          string
}

// IsConfigured returns true if artifact archival can run.
func (c *ArtifactsConfig) IsConfigured() bool {
	return c.Enabled && c.Bucket != ""
}

// TemplatesConfig holds nuclei template repository sync configuration.
type TemplatesConfig struct {
	Enabled bool
	RepoURL string
	Branch  string
	Dir     string
	// SyncInterval is the cron spec for pulling template updates.
	SyncInterval string
}

// IsConfigured returns true if template sync can run.
func (c *TemplatesConfig) IsConfigured() bool {
	return c.Enabled && c.RepoURL != "" && c.Dir != ""
}

// WebhookConfig holds run-completion webhook configuration.
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// IsConfigured returns true if completion webhooks are enabled.
func (c *WebhookConfig) IsConfigured() bool {
	return c.URL != ""
}

// TracingConfig holds OpenTelemetry trace export configuration.
type TracingConfig struct {
	Enabled bool
	// Endpoint is the OTLP HTTP collector host:port.
	Endpoint string
	Insecure bool
	// SampleRatio is the fraction of traces kept, 0 to 1.
	SampleRatio float64
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:  getEnv("APP_NAME", "reconpoint-engine"),
			Env:   getEnv("APP_ENV", "development"),
			Debug: getEnvBool("APP_DEBUG", false),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodySize:     getEnvInt64("SERVER_MAX_BODY_SIZE", 1<<20), // 1MB default
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "reconpoint"),
			Password:        getEnv("DB_PASSWORD", "secret"),
			Name:            getEnv("DB_NAME", "reconpoint"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:              getEnv("REDIS_HOST", "localhost"),
			Port:              getEnvInt("REDIS_PORT", 6379),
			Password:          getEnv("REDIS_PASSWORD", ""),
			DB:                getEnvInt("REDIS_DB", 0),
			PoolSize:          getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:      getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:       getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:      getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			TLSEnabled:        getEnvBool("REDIS_TLS_ENABLED", false),
			TLSSkipVerify:     getEnvBool("REDIS_TLS_SKIP_VERIFY", false),
			MaxRetries:        getEnvInt("REDIS_MAX_RETRIES", 3),
			MinRetryDelay:     getEnvDuration("REDIS_MIN_RETRY_DELAY", 100*time.Millisecond),
			MaxRetryDelay:     getEnvDuration("REDIS_MAX_RETRY_DELAY", 3*time.Second),
			ChunkStreamMaxLen: getEnvInt64("REDIS_CHUNK_STREAM_MAXLEN", 100_000),
			ChunkStreamTTL:    getEnvDuration("REDIS_CHUNK_STREAM_TTL", 24*time.Hour),
		},
		Log: LogConfig{
			Level:              getEnv("LOG_LEVEL", "info"),
			Format:             getEnv("LOG_FORMAT", "json"),
			SamplingEnabled:    getEnvBool("LOG_SAMPLING_ENABLED", false),
			SamplingThreshold:  getEnvInt("LOG_SAMPLING_THRESHOLD", 100),
			SamplingRate:       getEnvFloat("LOG_SAMPLING_RATE", 0.1),
			ErrorSamplingRate:  getEnvFloat("LOG_ERROR_SAMPLING_RATE", 1.0),
			SkipHealthLogs:     getEnvBool("LOG_SKIP_HEALTH", true),
			SlowRequestSeconds: getEnvInt("LOG_SLOW_REQUEST_SECONDS", 5),
		},
		Auth: AuthConfig{
			APIKey:     getEnv("AUTH_API_KEY", ""),
			HeaderName: getEnv("AUTH_API_KEY_HEADER", "X-Api-Key"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"}),
			AllowedHeaders: getEnvSlice("CORS_ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Api-Key"}),
			MaxAge:         getEnvInt("CORS_MAX_AGE", 86400),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerSec:  getEnvFloat("RATE_LIMIT_RPS", 100),
			Burst:           getEnvInt("RATE_LIMIT_BURST", 200),
			CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP", 1*time.Minute),
		},
		Engine: EngineConfig{
			MinWorkers:      getEnvInt("ENGINE_MIN_WORKERS", 4),
			MaxWorkers:      getEnvInt("ENGINE_MAX_WORKERS", 32),
			IdleTimeout:     getEnvDuration("ENGINE_IDLE_TIMEOUT", 30*time.Second),
			KillGracePeriod: getEnvDuration("ENGINE_KILL_GRACE_PERIOD", 5*time.Second),
			ScratchDir:      getEnv("ENGINE_SCRATCH_DIR", os.TempDir()),
			WordlistDir:     getEnv("ENGINE_WORDLIST_DIR", "/usr/share/wordlists"),
			StaleRunAge:     getEnvDuration("ENGINE_STALE_RUN_AGE", 6*time.Hour),
			ChunkRetention:  getEnvDuration("ENGINE_CHUNK_RETENTION", 7*24*time.Hour),
		},
		Worker: WorkerConfig{
			Enabled:     getEnvBool("WORKER_ENABLED", true),
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 10),
			Queues: map[string]int{
				"critical": getEnvInt("WORKER_QUEUE_CRITICAL", 6),
				"default":  getEnvInt("WORKER_QUEUE_DEFAULT", 3),
				"low":      getEnvInt("WORKER_QUEUE_LOW", 1),
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:         getEnvBool("SCHEDULER_ENABLED", true),
			ReapInterval:    getEnv("SCHEDULER_REAP_CRON", "*/10 * * * *"),
			CleanupInterval: getEnv("SCHEDULER_CLEANUP_CRON", "0 3 * * *"),
		},
		Artifacts: ArtifactsConfig{
			Enabled:         getEnvBool("ARTIFACTS_ENABLED", false),
			Bucket:          getEnv("ARTIFACTS_S3_BUCKET", ""),
			Region:          getEnv("ARTIFACTS_S3_REGION", "us-east-1"),
			Endpoint:        getEnv("ARTIFACTS_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARTIFACTS_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARTIFACTS_S3_SECRET_ACCESS_KEY", ""),
			ForcePathStyle:  getEnvBool("ARTIFACTS_S3_FORCE_PATH_STYLE", false),
			Prefix:          getEnv("ARTIFACTS_S3_PREFIX", "scan-output"),
		},
		Templates: TemplatesConfig{
			Enabled:      getEnvBool("TEMPLATES_SYNC_ENABLED", false),
			RepoURL:      getEnv("TEMPLATES_REPO_URL", "https://github.com/projectdiscovery/nuclei-templates"),
			Branch:       getEnv("TEMPLATES_REPO_BRANCH", "main"),
			Dir:          getEnv("TEMPLATES_DIR", "/var/lib/reconpoint/nuclei-templates"),
			SyncInterval: getEnv("TEMPLATES_SYNC_CRON", "0 */6 * * *"),
		},
		Webhook: WebhookConfig{
			URL:     getEnv("WEBHOOK_URL", ""),
			Secret:  getEnv("WEBHOOK_SECRET", ""),
			Timeout: getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_OTLP_ENDPOINT", "localhost:4318"),
			Insecure:    getEnvBool("TRACING_OTLP_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 0.1),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateBasic(); err != nil {
		return err
	}
	if c.App.Env == EnvProduction {
		return c.validateProduction()
	}
	return nil
}

// validateBasic validates basic configuration regardless of environment.
func (c *Config) validateBasic() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	return nil
}

// validateEngine validates scan execution configuration.
func (c *Config) validateEngine() error {
	if c.Engine.MinWorkers < 1 {
		return fmt.Errorf("ENGINE_MIN_WORKERS must be at least 1, got %d", c.Engine.MinWorkers)
	}
	if c.Engine.MaxWorkers < c.Engine.MinWorkers {
		return fmt.Errorf("ENGINE_MAX_WORKERS (%d) must be >= ENGINE_MIN_WORKERS (%d)",
			c.Engine.MaxWorkers, c.Engine.MinWorkers)
	}
	if c.Engine.IdleTimeout < time.Second {
		return fmt.Errorf("ENGINE_IDLE_TIMEOUT too short: %v (min 1s)", c.Engine.IdleTimeout)
	}
	if c.Engine.KillGracePeriod < 100*time.Millisecond {
		return fmt.Errorf("ENGINE_KILL_GRACE_PERIOD too short: %v (min 100ms)", c.Engine.KillGracePeriod)
	}
	if c.Engine.StaleRunAge < time.Minute {
		return fmt.Errorf("ENGINE_STALE_RUN_AGE too short: %v (min 1m)", c.Engine.StaleRunAge)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	return nil
}

// validateLog validates logging configuration.
func (c *Config) validateLog() error {
	validLevels := map[string]bool{
		"debug": true, "DEBUG": true,
		"info": true, "INFO": true,
		"warn": true, "WARN": true,
		"error": true, "ERROR": true,
	}
	if c.Log.Level != "" && !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	validFormats := map[string]bool{
		"json": true, "JSON": true,
		"text": true, "TEXT": true,
		"": true, // Empty is allowed (defaults to json)
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid LOG_FORMAT: %s (must be json or text)", c.Log.Format)
	}

	if c.Log.SamplingRate < 0.0 || c.Log.SamplingRate > 1.0 {
		return fmt.Errorf("LOG_SAMPLING_RATE must be between 0.0 and 1.0, got %f", c.Log.SamplingRate)
	}
	if c.Log.ErrorSamplingRate < 0.0 || c.Log.ErrorSamplingRate > 1.0 {
		return fmt.Errorf("LOG_ERROR_SAMPLING_RATE must be between 0.0 and 1.0, got %f", c.Log.ErrorSamplingRate)
	}
	if c.Log.SamplingThreshold < 0 {
		return fmt.Errorf("LOG_SAMPLING_THRESHOLD must be non-negative, got %d", c.Log.SamplingThreshold)
	}
	if c.Log.SlowRequestSeconds < 0 {
		return fmt.Errorf("LOG_SLOW_REQUEST_SECONDS must be non-negative, got %d", c.Log.SlowRequestSeconds)
	}

	return nil
}

// validateProduction validates production-specific configuration.
func (c *Config) validateProduction() error {
	if !c.Auth.IsConfigured() {
		return fmt.Errorf("AUTH_API_KEY is required in production")
	}
	if len(c.Auth.APIKey) < 32 {
		return fmt.Errorf("AUTH_API_KEY must be at least 32 characters in production")
	}
	if slices.Contains(c.CORS.AllowedOrigins, "*") {
		return fmt.Errorf("CORS wildcard origin not allowed in production")
	}
	if c.Database.SSLMode == "disable" {
		return fmt.Errorf("database SSL must be enabled in production (use 'require' or 'verify-full')")
	}
	if !c.RateLimit.Enabled {
		return fmt.Errorf("rate limiting must be enabled in production")
	}
	if c.App.Debug {
		return fmt.Errorf("debug mode must be disabled in production")
	}
	if c.Log.Level == "debug" {
		return fmt.Errorf("log level should not be 'debug' in production")
	}
	return c.validateProductionRedis()
}

// validateProductionRedis validates Redis configuration for production.
func (c *Config) validateProductionRedis() error {
	if c.Redis.Password == "" {
		return fmt.Errorf("redis password must be set in production")
	}
	if !c.Redis.TLSEnabled {
		return fmt.Errorf("redis TLS must be enabled in production")
	}
	if c.Redis.TLSSkipVerify {
		return fmt.Errorf("redis TLS skip verify must be false in production")
	}
	if c.Redis.PoolSize < 10 || c.Redis.PoolSize > 500 {
		return fmt.Errorf("redis pool size must be between 10 and 500 in production, got %d", c.Redis.PoolSize)
	}
	if c.Redis.MaxRetries < 1 || c.Redis.MaxRetries > 10 {
		return fmt.Errorf("redis max retries must be between 1 and 10, got %d", c.Redis.MaxRetries)
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the HTTP server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if the application is in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range splitAndTrim(value, ",") {
			if v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
