package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	BlobBackendBolt = "bolt"
	BlobBackendDir  = "dir"
)

type Cfg struct {
	Port              string
	Environment       string
	LogLevel          string
	DatabasePath      string
	BlobBackend       string
	BlobPath          string
	RedisURL          string
	RedisTLS          bool
	RedisUsername     string
	RedisPassword     Secret
	RedisTimeout      time.Duration
	PasteTTL          time.Duration
	KeyAttempts       int
	MaxContentSize    int64
	MaxFileSize       int64
	MaxFiles          int
	RateLimit         RateLimitCfg
	TrustedProxies    []string
	AllowedOrigins    []string
	MetricsUser       string
	MetricsPass       Secret
	ContextTimeout    time.Duration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBQueryTimeout    time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
	SweepToken        Secret
	SweepTokenFromKMS bool
	KEKCacheTTL       time.Duration
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "keydrop.db")
	c.BlobBackend = strings.ToLower(getEnv("BLOB_BACKEND", BlobBackendBolt))
	c.BlobPath = getEnv("BLOB_PATH", "keydrop-blobs.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.PasteTTL, err = getDuration("PASTE_TTL", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.KeyAttempts, err = getInt("KEY_ATTEMPTS", 10)
	if err != nil {
		return nil, err
	}
	c.MaxContentSize, err = getInt64("MAX_CONTENT_SIZE", 512*1024)
	if err != nil {
		return nil, err
	}
	c.MaxFileSize, err = getInt64("MAX_FILE_SIZE", 20*1024*1024)
	if err != nil {
		return nil, err
	}
	c.MaxFiles, err = getInt("MAX_FILES", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 120)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 30)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{"*"})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 16)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 4)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.SweepInterval, err = getDuration("SWEEP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.SweepBatchSize, err = getInt("SWEEP_BATCH_SIZE", 100)
	if err != nil {
		return nil, err
	}
	c.SweepToken = NewSecret(getEnv("SWEEP_TOKEN", ""))
	c.SweepTokenFromKMS = getEnv("SWEEP_TOKEN_FROM_KMS", "false") == "true"
	c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	switch c.BlobBackend {
	case BlobBackendBolt, BlobBackendDir:
	default:
		return fmt.Errorf("BLOB_BACKEND must be %q or %q", BlobBackendBolt, BlobBackendDir)
	}
	if c.BlobPath == "" {
		return errors.New("BLOB_PATH is required")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.PasteTTL < time.Minute {
		return errors.New("PASTE_TTL must be at least 1 minute")
	}
	if c.KeyAttempts < 1 || c.KeyAttempts > 100 {
		return errors.New("KEY_ATTEMPTS must be between 1 and 100")
	}
	if c.MaxContentSize <= 0 {
		return errors.New("MAX_CONTENT_SIZE must be positive")
	}
	if c.MaxFileSize <= 0 {
		return errors.New("MAX_FILE_SIZE must be positive")
	}
	if c.MaxFileSize > 100*1024*1024 {
		return errors.New("MAX_FILE_SIZE cannot exceed 100MB")
	}
	if c.MaxFiles < 0 {
		return errors.New("MAX_FILES cannot be negative")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.ConservativeLimit <= 0 {
		return errors.New("RATE_LIMIT_CONSERVATIVE must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.SweepInterval < time.Second {
		return errors.New("SWEEP_INTERVAL must be at least 1s")
	}
	if c.SweepBatchSize <= 0 {
		return errors.New("SWEEP_BATCH_SIZE must be positive")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if c.KEKCacheTTL < time.Minute {
		return errors.New("KEK_CACHE_TTL must be at least 1 minute")
	}
	if c.KEKCacheTTL > time.Hour {
		return errors.New("KEK_CACHE_TTL should not exceed 1 hour")
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.SweepToken.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
