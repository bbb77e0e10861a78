package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full application configuration, loaded once from the
// environment (optionally seeded from a .env file).
type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	KMS         KMSConfig
	Mail        MailConfig
	Auth        AuthConfig
	JWT         JWTConfig
	Cookies     CookieConfig
	Bucketing   BucketingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
	Enabled     bool
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
	Enabled  bool
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type MailConfig struct {
	APIKey     string
	FromEmail  string
	TemplateID string
	BaseURL    string
}

// AuthConfig carries the OTP policy knobs. Every value is clamped to its
// allowed range on load so a bad environment cannot disable a limit.
type AuthConfig struct {
	OTPCodeLength           int // default 6, range [4,10]
	OTPTTLMinutes           int // default 10, range [5,30]
	OTPRetryLimit           int // default 5, range [1,10]
	OTPRequestLimitPerEmail int // default 20, range [1,100]
	OTPRequestLimitPerIP    int // default 20, range [1,200]
	OTPRequestWindowMinutes int // default 30, range [5,180]
	ViewDedupTTLSeconds     int // default 3600
	MailTimeout             time.Duration
}

type JWTConfig struct {
	Secret           string
	SecretCiphertext string // KMS-encrypted alternative to Secret
	Algorithm        string
	Issuer           string
	AccessTTLMinutes int // default 15, range [5,120]
	RefreshTTLDays   int // default 30, range [1,120]
}

type CookieConfig struct {
	Domain   string
	Secure   bool
	SameSite string // lax | strict | none
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig reads the environment into a Config. Safe to call repeatedly;
// the environment is read once per process.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()
		globalConfig = loadFromEnv()
	})
	return globalConfig
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func loadFromEnv() *Config {
	return &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/cache/autocert"),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    splitList(getEnv("SCYLLA_NODES", "localhost:9042")),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "blog_auth"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:     splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			EventsTopic: getEnv("KAFKA_AUTH_EVENTS_TOPIC", "auth-events"),
			Enabled:     getEnvBool("KAFKA_ENABLED", true),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Database: getEnv("CLICKHOUSE_DATABASE", "blog_auth"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", true),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			Region:  getEnv("KMS_REGION", "us-east-1"),
			KeyID:   getEnv("KMS_KEY_ID", ""),
		},
		Mail: MailConfig{
			APIKey:     getEnv("MAIL_API_KEY", ""),
			FromEmail:  getEnv("MAIL_FROM_EMAIL", "no-reply@localhost"),
			TemplateID: getEnv("MAIL_OTP_TEMPLATE_ID", ""),
			BaseURL:    getEnv("MAIL_BASE_URL", "https://api.resend.com"),
		},
		Auth: AuthConfig{
			OTPCodeLength:           clampInt(getEnvInt("OTP_CODE_LENGTH", 6), 4, 10),
			OTPTTLMinutes:           clampInt(getEnvInt("OTP_TTL_MINUTES", 10), 5, 30),
			OTPRetryLimit:           clampInt(getEnvInt("OTP_RETRY_LIMIT", 5), 1, 10),
			OTPRequestLimitPerEmail: clampInt(getEnvInt("OTP_REQUEST_LIMIT_PER_EMAIL", 20), 1, 100),
			OTPRequestLimitPerIP:    clampInt(getEnvInt("OTP_REQUEST_LIMIT_PER_IP", 20), 1, 200),
			OTPRequestWindowMinutes: clampInt(getEnvInt("OTP_REQUEST_WINDOW_MINUTES", 30), 5, 180),
			ViewDedupTTLSeconds:     getEnvInt("VIEW_DEDUP_TTL_SECONDS", 3600),
			MailTimeout:             getEnvDuration("MAIL_TIMEOUT", 10*time.Second),
		},
		JWT: JWTConfig{
			Secret:           getEnv("JWT_SECRET", ""),
			SecretCiphertext: getEnv("JWT_SECRET_CIPHERTEXT", ""),
			Algorithm:        getEnv("JWT_ALGORITHM", "HS256"),
			Issuer:           getEnv("JWT_ISSUER", "blog-auth-service"),
			AccessTTLMinutes: clampInt(getEnvInt("JWT_ACCESS_TTL_MINUTES", 15), 5, 120),
			RefreshTTLDays:   clampInt(getEnvInt("JWT_REFRESH_TTL_DAYS", 30), 1, 120),
		},
		Cookies: CookieConfig{
			Domain:   getEnv("COOKIE_DOMAIN", ""),
			Secure:   getEnvBool("COOKIE_SECURE", true),
			SameSite: getEnv("COOKIE_SAME_SITE", "lax"),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("USER_BUCKETS", 256),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// OTPRequestWindow returns the rate-limit window as a duration.
func (c *AuthConfig) OTPRequestWindow() time.Duration {
	return time.Duration(c.OTPRequestWindowMinutes) * time.Minute
}

func (c *AuthConfig) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLMinutes) * time.Minute
}

func (c *JWTConfig) AccessTTL() time.Duration {
	return time.Duration(c.AccessTTLMinutes) * time.Minute
}

func (c *JWTConfig) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
