package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTPPort string
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Upstream UpstreamConfig
	Quota    QuotaConfig
	OAuth    OAuthConfig
	Auth     AuthConfig
	Defaults GenerationDefaults

	RequestLogger RequestLoggerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	CredentialCacheSize int
	CredentialCacheTTL  time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// QueueConfig selects the consumption queue backend. The Redis settings
// themselves live in RedisConfig.
type QueueConfig struct {
	// UseRedis selects the Redis-backed queue. The default in-process queue
	// needs no external service.
	UseRedis bool
}

// UpstreamConfig holds upstream call policy.
type UpstreamConfig struct {
	// AntigravityEndpoints are tried in order when the current one returns
	// 403; the kiro backend has a single endpoint.
	AntigravityEndpoints []string
	KiroEndpoint         string

	RequestTimeout time.Duration // hard ceiling for one upstream call
	RetryMaxChat   int           // 429/quota reselect ceiling, conversational
	RetryMaxImage  int           // 429/quota reselect ceiling, image generation
}

// QuotaConfig holds quota ledger policy.
type QuotaConfig struct {
	CacheTTL         time.Duration // model quota staleness watermark
	RecoveryInterval time.Duration // shared pool recovery schedule
	RecoveryRate     float64       // fraction of max_quota restored per pass
	PoolPerShared    float64       // max_quota contribution per shared credential
}

// OAuthConfig holds token refresh settings.
type OAuthConfig struct {
	AntigravityTokenURL string
	AntigravityClientID string
	KiroTokenURL        string
	RefreshMargin       time.Duration // refresh tokens expiring within this window
	StateTTL            time.Duration // pending authorization state lifetime
}

// AuthConfig holds inbound caller authentication settings.
type AuthConfig struct {
	// APIKeyPepper keys the API key hash. Changing it invalidates every
	// stored key.
	APIKeyPepper string
}

// GenerationDefaults are applied when the caller omits a parameter.
type GenerationDefaults struct {
	Temperature         float64
	TopP                float64
	TopK                int
	MaxOutputTokens     int
	ThinkingBudgetFloor int // provider-mandated minimum when thinking is on
}

type RequestLoggerConfig struct {
	FilePathTemplate string
	MaxSize          int64
	MaxFiles         int
	BufferSize       int
	FlushInterval    time.Duration
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvList(key string, defaultValue []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		HTTPPort: getEnvString("HTTP_PORT", "8080"),
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),

			CredentialCacheSize: getEnvInt("CACHE_CREDENTIAL_SIZE", 1000),
			CredentialCacheTTL:  getEnvDuration("CACHE_CREDENTIAL_TTL", 1*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Queue: QueueConfig{
			UseRedis: getEnvBool("QUEUE_USE_REDIS", false),
		},
		Upstream: UpstreamConfig{
			AntigravityEndpoints: getEnvList("ANTIGRAVITY_ENDPOINTS", []string{
				"https://cloudcode-pa.googleapis.com",
				"https://daily-cloudcode-pa.sandbox.googleapis.com",
			}),
			KiroEndpoint:   getEnvString("KIRO_ENDPOINT", "https://codewhisperer.us-east-1.amazonaws.com"),
			RequestTimeout: getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Minute),
			RetryMaxChat:   getEnvInt("RETRY_MAX_CHAT", 5),
			RetryMaxImage:  getEnvInt("RETRY_MAX_IMAGE", 3),
		},
		Quota: QuotaConfig{
			CacheTTL:         getEnvDuration("QUOTA_CACHE_TTL", 5*time.Minute),
			RecoveryInterval: getEnvDuration("POOL_RECOVERY_INTERVAL", 1*time.Hour),
			RecoveryRate:     getEnvFloat("POOL_RECOVERY_RATE", 0.2),
			PoolPerShared:    getEnvFloat("POOL_PER_SHARED_CREDENTIAL", 2.0),
		},
		OAuth: OAuthConfig{
			AntigravityTokenURL: getEnvString("ANTIGRAVITY_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			AntigravityClientID: getEnvString("ANTIGRAVITY_CLIENT_ID", ""),
			KiroTokenURL:        getEnvString("KIRO_TOKEN_URL", "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"),
			RefreshMargin:       getEnvDuration("TOKEN_REFRESH_MARGIN", 5*time.Minute),
			StateTTL:            getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute),
		},
		Auth: AuthConfig{
			// Default for dev; MUST be overridden in production.
			APIKeyPepper: getEnvString("API_KEY_PEPPER", "account-gateway-dev-pepper"),
		},
		Defaults: GenerationDefaults{
			Temperature:         getEnvFloat("GEN_TEMPERATURE", 1.0),
			TopP:                getEnvFloat("GEN_TOP_P", 0.95),
			TopK:                getEnvInt("GEN_TOP_K", 64),
			MaxOutputTokens:     getEnvInt("GEN_MAX_OUTPUT_TOKENS", 65536),
			ThinkingBudgetFloor: getEnvInt("GEN_THINKING_BUDGET_FLOOR", 1024),
		},
		RequestLogger: RequestLoggerConfig{
			FilePathTemplate: getEnvString("REQUEST_LOGGER_FILE_PATH_TEMPLATE", "/var/log/account-gateway/requests-%s.jsonl"),
			MaxSize:          getEnvInt64("REQUEST_LOGGER_MAX_SIZE", 10_485_760),
			MaxFiles:         getEnvInt("REQUEST_LOGGER_MAX_FILES", 5),
			BufferSize:       getEnvInt("REQUEST_LOGGER_BUFFER_SIZE", 100),
			FlushInterval:    getEnvDuration("REQUEST_LOGGER_FLUSH_INTERVAL", 60*time.Second),
		},
	}

	return cfg, nil
}
