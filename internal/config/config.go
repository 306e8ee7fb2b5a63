package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Egress addresses the provider sends webhooks from.
var defaultAllowedIPs = []string{
	"13.49.167.214",
	"13.51.135.69",
	"13.49.98.133",
	"13.50.69.248",
	"18.158.233.247",
	"13.51.235.85",
	"13.48.106.8",
}

// Config is built once at startup and passed by pointer; nothing mutates it
// afterwards.
type Config struct {
	DBSource    string
	Port        string
	IngressPort string
	MetricsPort string
	Env         string
	AutoMigrate bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Topic              string
	Partitions         int
	TrimInterval       time.Duration
	ConsumerGroup      string
	ConsumerName       string
	MaxDeliveries      int
	PublishMaxAttempts int
	LeaseTTL           time.Duration
	LockTimeout        time.Duration

	ShopKey           string
	ShopSecret        string
	ProviderURL       string
	WebhookURL        string
	PaymentSuccessURL string
	PaymentFailURL    string
	AllowedIPs        []string
	TrustProxyHeaders bool

	DefaultUserID string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		DBSource:    os.Getenv("DB_SOURCE"),
		Port:        getEnv("SERVER_PORT", "8080"),
		IngressPort: getEnv("INGRESS_PORT", "3001"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),
		Env:         getEnv("ENVIRONMENT", "development"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		Topic:         getEnv("WEBHOOK_TOPIC", "payment.webhook.decard"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "event-processing-group"),
		ConsumerName:  getEnv("CONSUMER_NAME", hostname),

		ShopKey:           os.Getenv("DECARD_SHOP_KEY"),
		ShopSecret:        os.Getenv("DECARD_SHOP_SECRET"),
		ProviderURL:       strings.TrimRight(os.Getenv("DECARD_API_URL"), "/"),
		WebhookURL:        getEnv("DECARD_WEBHOOK_URL", "http://localhost:3001/webhook/decard"),
		PaymentSuccessURL: os.Getenv("PAYMENT_SUCCESS_URL"),
		PaymentFailURL:    os.Getenv("PAYMENT_FAIL_URL"),
		AllowedIPs:        splitList(getEnv("DECARD_ALLOWED_IPS", strings.Join(defaultAllowedIPs, ","))),

		DefaultUserID: getEnv("DEFAULT_USER_ID", "00000000-0000-0000-0000-000000000001"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Partitions, err = getInt("STREAM_PARTITIONS", 8); err != nil {
		return nil, err
	}
	if cfg.Partitions <= 0 {
		return nil, fmt.Errorf("STREAM_PARTITIONS must be positive, got %d", cfg.Partitions)
	}
	if cfg.TrimInterval, err = getDuration("STREAM_TRIM_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxDeliveries, err = getInt("MAX_DELIVERIES", 10); err != nil {
		return nil, err
	}
	if cfg.PublishMaxAttempts, err = getInt("PUBLISH_MAX_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if cfg.LeaseTTL, err = getDuration("LEASE_TTL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = getDuration("LOCK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.TrustProxyHeaders, err = getBool("TRUST_PROXY_HEADERS", false); err != nil {
		return nil, err
	}
	if cfg.AutoMigrate, err = getBool("AUTO_MIGRATE", false); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RequireDB fails when DB_SOURCE is missing. Only processes that touch
// Postgres call it; the ingress never does.
func (c *Config) RequireDB() error {
	if c.DBSource == "" {
		return fmt.Errorf("DB_SOURCE environment variable is required")
	}
	return nil
}

// IsProduction reports whether origin checks must be enforced.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AllowedIPList returns a copy of the webhook origin allowlist.
func (c *Config) AllowedIPList() []string {
	return append([]string(nil), c.AllowedIPs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
