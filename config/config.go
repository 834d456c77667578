package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Quota     QuotaConfig
	Prewarm   PrewarmConfig
	TimeRef   TimeRefConfig
	Provider  ProviderConfig
	Execution ExecutionConfig
	Billing   BillingConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32 // pool cap; advisory hold locks each pin a connection
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings. Tokens are issued by the
// external auth service; this process only validates them.
type JWTConfig struct {
	Secret string
}

// QuotaConfig holds admission-gate limits.
type QuotaConfig struct {
	MaxActivePerAccount int // non-terminal registrations per user, all sessions
	MaxActivePerChild   int // non-terminal registrations per child
	MaxPerSessionUser   int // children per user per session
	MaxDailyPerIP       int // hold attempts per IP since local midnight
}

// PrewarmConfig holds attempt-executor timing parameters.
type PrewarmConfig struct {
	ExactLead     time.Duration // wake-up lead before the corrected open instant
	ExactTail     time.Duration // how long past the open instant to keep trying
	ExactCadence  time.Duration // tick interval in exact mode
	PollInterval  time.Duration // tick interval in polling mode
	PollWindow    time.Duration // how long past the nominal open time to poll
	JitterMax     time.Duration // uniform jitter applied before each claim
	MaxAttempts   int           // hard bound on loop iterations, both modes
	DispatchBatch int           // due jobs picked up per sweep
}

// TimeRefConfig holds the external UTC time reference settings.
type TimeRefConfig struct {
	URL     string
	Timeout time.Duration
}

// ProviderConfig holds provider page-fetch and automation settings.
type ProviderConfig struct {
	FetchTimeout  time.Duration
	UserAgent     string
	AutomationURL string // form-automation collaborator endpoint
}

// ExecutionConfig holds the manual-mode retry policy.
type ExecutionConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Fallback    string // alert_parent or keep_trying
}

// BillingConfig holds success-fee settings.
type BillingConfig struct {
	CaptureURL      string // fee-capture collaborator endpoint
	SuccessFeeCents int
}

// RateLimitConfig holds the redis token-bucket request limiter settings.
type RateLimitConfig struct {
	Enabled        bool
	Prefix         string
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/slotline?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "slotline"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
		},
		Quota: QuotaConfig{
			MaxActivePerAccount: getEnvInt("QUOTA_MAX_ACTIVE_PER_ACCOUNT", 3),
			MaxActivePerChild:   getEnvInt("QUOTA_MAX_ACTIVE_PER_CHILD", 1),
			MaxPerSessionUser:   getEnvInt("QUOTA_MAX_PER_SESSION_USER", 2),
			MaxDailyPerIP:       getEnvInt("QUOTA_MAX_DAILY_PER_IP", 10),
		},
		Prewarm: PrewarmConfig{
			ExactLead:     getEnvDuration("PREWARM_EXACT_LEAD", 5*time.Second),
			ExactTail:     getEnvDuration("PREWARM_EXACT_TAIL", 10*time.Second),
			ExactCadence:  getEnvDuration("PREWARM_EXACT_CADENCE", 100*time.Millisecond),
			PollInterval:  getEnvDuration("PREWARM_POLL_INTERVAL", 750*time.Millisecond),
			PollWindow:    getEnvDuration("PREWARM_POLL_WINDOW", 5*time.Minute),
			JitterMax:     getEnvDuration("PREWARM_JITTER_MAX", 120*time.Millisecond),
			MaxAttempts:   getEnvInt("PREWARM_MAX_ATTEMPTS", 50),
			DispatchBatch: getEnvInt("PREWARM_DISPATCH_BATCH", 10),
		},
		TimeRef: TimeRefConfig{
			URL:     getEnv("TIME_REF_URL", "https://worldtimeapi.org/api/timezone/Etc/UTC"),
			Timeout: getEnvDuration("TIME_REF_TIMEOUT", 3*time.Second),
		},
		Provider: ProviderConfig{
			FetchTimeout:  getEnvDuration("PROVIDER_FETCH_TIMEOUT", 5*time.Second),
			UserAgent:     getEnv("PROVIDER_USER_AGENT", "slotline-backend/1.0 (+https://slotline.app)"),
			AutomationURL: getEnv("PROVIDER_AUTOMATION_URL", ""),
		},
		Execution: ExecutionConfig{
			MaxAttempts: getEnvInt("EXECUTION_MAX_ATTEMPTS", 3),
			RetryDelay:  getEnvDuration("EXECUTION_RETRY_DELAY", 30*time.Second),
			Fallback:    getEnv("EXECUTION_FALLBACK", "alert_parent"),
		},
		Billing: BillingConfig{
			CaptureURL:      getEnv("BILLING_CAPTURE_URL", ""),
			SuccessFeeCents: getEnvInt("BILLING_SUCCESS_FEE_CENTS", 500),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnv("RATE_LIMIT_ENABLED", "true") == "true",
			Prefix:         getEnv("RATE_LIMIT_PREFIX", "rl"),
			Capacity:       getEnvInt("RATE_LIMIT_CAPACITY", 20),
			RefillTokens:   getEnvInt("RATE_LIMIT_REFILL_TOKENS", 10),
			RefillInterval: getEnvDuration("RATE_LIMIT_REFILL_INTERVAL", time.Minute),
			TTL:            getEnvDuration("RATE_LIMIT_TTL", 10*time.Minute),
		},
	}
	return cfg, nil
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
