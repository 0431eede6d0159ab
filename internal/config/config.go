// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, GitHub access, the snapshot cache and refresh queue backends,
// aggregation defaults and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted by CACHE_BACKEND and QUEUE_BACKEND.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"

	QueueSQLite = "sqlite"
	QueueMySQL  = "mysql"
	QueueRedis  = "redis"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// GitHubConfig controls the outbound GitHub client.
type GitHubConfig struct {
	Token          string
	APIURL         string
	GraphQLURL     string
	HTTPTimeout    time.Duration
	MaxRetries     int
	RateLimitWait  time.Duration // wait when X-RateLimit-Remaining is 0
	RetryWait      time.Duration // short wait for other retryable responses
	RetryMaxElapse time.Duration // cap on total backoff per request
	RPS            float64       // 0 disables the outbound limiter
	Concurrency    int           // max in-flight GitHub calls
	GraphQLMemoTTL time.Duration
	ETagTTL        time.Duration
	ETagStorePath  string // empty keeps ETags in memory
}

// RedisConfig holds connection settings shared by the redis cache and queue.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// CacheConfig controls snapshot storage and edge caching headers.
type CacheConfig struct {
	Backend     string
	SoftTTL     time.Duration
	HardTTL     time.Duration
	Version     string
	EdgeMaxAge  int // seconds
	EdgeSWR     int // seconds
	InflightTTL time.Duration
}

// QueueConfig controls the refresh queue and worker.
type QueueConfig struct {
	Backend         string
	DBPath          string
	MySQLDSN        string
	MaxAttempts     int
	FailedRetention int
	PollInterval    time.Duration
	RunTimeout      time.Duration
	WorkerEnabled   bool
}

// AggregationConfig holds defaults applied to refresh parameters.
type AggregationConfig struct {
	DefaultOrgs      []string
	LookbackDays     int
	MaxPRPages       int
	MaxReviewFetches int
	EarlyStop        bool
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int    // bytes
	GinMode           string // debug|release|test
	APIBasePath       string

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL time.Duration
	CronSecret     string

	GitHub      GitHubConfig
	Redis       RedisConfig
	Cache       CacheConfig
	Queue       QueueConfig
	Aggregation AggregationConfig

	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),
		CronSecret:     getenv("CRON_SECRET", ""),

		GitHub: GitHubConfig{
			Token:          getenv("GITHUB_TOKEN", ""),
			APIURL:         strings.TrimRight(getenv("GITHUB_API_URL", "https://api.github.com"), "/"),
			GraphQLURL:     getenv("GITHUB_GRAPHQL_URL", "https://api.github.com/graphql"),
			HTTPTimeout:    getdur("GITHUB_HTTP_TIMEOUT", 30*time.Second),
			MaxRetries:     getint("GITHUB_MAX_RETRIES", 3),
			RateLimitWait:  getdur("GITHUB_RATE_LIMIT_WAIT", 60*time.Second),
			RetryWait:      getdur("GITHUB_RETRY_WAIT", 2*time.Second),
			RetryMaxElapse: getdur("GITHUB_RETRY_MAX_ELAPSED", 5*time.Minute),
			RPS:            getfloat("GITHUB_RPS", 0),
			Concurrency:    getint("FETCH_CONCURRENCY", 6),
			GraphQLMemoTTL: getms("GRAPHQL_MEMO_TTL_MS", time.Minute),
			ETagTTL:        getms("ETAG_TTL_MS", 24*time.Hour),
			ETagStorePath:  getenv("ETAG_STORE_PATH", ""),
		},

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Username: getenv("REDIS_USERNAME", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		Cache: CacheConfig{
			Backend:     strings.ToLower(getenv("CACHE_BACKEND", CacheMemory)),
			SoftTTL:     getms("SNAPSHOT_SOFT_TTL_MS", 6*time.Hour),
			HardTTL:     getms("SNAPSHOT_HARD_TTL_MS", 7*24*time.Hour),
			Version:     getenv("SNAPSHOT_VERSION", "v1"),
			EdgeMaxAge:  getint("EDGE_MAX_AGE_SECONDS", 300),
			EdgeSWR:     getint("EDGE_SWR_SECONDS", 86400),
			InflightTTL: getdur("INFLIGHT_TTL", 15*time.Minute),
		},

		Queue: QueueConfig{
			Backend:         strings.ToLower(getenv("QUEUE_BACKEND", QueueSQLite)),
			DBPath:          getenv("DB_PATH", "contributors.db"),
			MySQLDSN:        getenv("MYSQL_DSN", ""),
			MaxAttempts:     getint("JOB_MAX_ATTEMPTS", 3),
			FailedRetention: getint("JOB_FAILED_RETENTION", 50),
			PollInterval:    getdur("JOB_POLL_INTERVAL", 2*time.Second),
			RunTimeout:      getdur("JOB_RUN_TIMEOUT", 30*time.Minute),
			WorkerEnabled:   getbool("WORKER_ENABLED", true),
		},

		Aggregation: AggregationConfig{
			DefaultOrgs:      splitCSV(getenv("DEFAULT_ORGS", "")),
			LookbackDays:     getint("DEFAULT_LOOKBACK_DAYS", 365),
			MaxPRPages:       getint("MAX_PR_PAGES", 5),
			MaxReviewFetches: getint("MAX_REVIEW_FETCHES", 200),
			EarlyStop:        getbool("PR_EARLY_STOP", true),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-contributors-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.Queue.Backend == "sql" {
		cfg.Queue.Backend = QueueSQLite
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	switch cfg.Cache.Backend {
	case CacheMemory, CacheRedis:
	default:
		return cfg, errors.New("CACHE_BACKEND must be one of: memory, redis")
	}
	if cfg.Cache.SoftTTL <= 0 || cfg.Cache.HardTTL <= 0 {
		return cfg, errors.New("SNAPSHOT_SOFT_TTL_MS and SNAPSHOT_HARD_TTL_MS must be > 0")
	}
	if cfg.Cache.SoftTTL > cfg.Cache.HardTTL {
		return cfg, errors.New("SNAPSHOT_SOFT_TTL_MS must not exceed SNAPSHOT_HARD_TTL_MS")
	}
	if strings.TrimSpace(cfg.Cache.Version) == "" {
		return cfg, errors.New("SNAPSHOT_VERSION must not be empty")
	}
	if cfg.Cache.EdgeMaxAge < 0 || cfg.Cache.EdgeSWR < 0 {
		return cfg, errors.New("EDGE_MAX_AGE_SECONDS and EDGE_SWR_SECONDS must be >= 0")
	}

	switch cfg.Queue.Backend {
	case QueueSQLite:
		if strings.TrimSpace(cfg.Queue.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case QueueMySQL:
		if strings.TrimSpace(cfg.Queue.MySQLDSN) == "" {
			return cfg, errors.New("MYSQL_DSN must be set when QUEUE_BACKEND=mysql")
		}
	case QueueRedis:
	default:
		return cfg, errors.New("QUEUE_BACKEND must be one of: sqlite, mysql, redis")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return cfg, errors.New("JOB_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Queue.FailedRetention < 0 {
		return cfg, errors.New("JOB_FAILED_RETENTION must be >= 0")
	}
	if cfg.Queue.PollInterval <= 0 || cfg.Queue.RunTimeout <= 0 {
		return cfg, errors.New("JOB_POLL_INTERVAL and JOB_RUN_TIMEOUT must be > 0")
	}

	if cfg.GitHub.MaxRetries < 0 {
		return cfg, errors.New("GITHUB_MAX_RETRIES must be >= 0")
	}
	if cfg.GitHub.Concurrency < 1 {
		return cfg, errors.New("FETCH_CONCURRENCY must be >= 1")
	}
	if cfg.GitHub.RPS < 0 {
		return cfg, errors.New("GITHUB_RPS must be >= 0")
	}
	if cfg.Aggregation.LookbackDays < 1 {
		return cfg, errors.New("DEFAULT_LOOKBACK_DAYS must be >= 1")
	}
	if cfg.Aggregation.MaxPRPages < 1 || cfg.Aggregation.MaxReviewFetches < 0 {
		return cfg, errors.New("MAX_PR_PAGES must be >= 1 and MAX_REVIEW_FETCHES >= 0")
	}

	return cfg, nil
}

// Lookback returns the default aggregation window length.
func (c Config) Lookback() time.Duration {
	return time.Duration(c.Aggregation.LookbackDays) * 24 * time.Hour
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getms reads an integer millisecond count.
func getms(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
