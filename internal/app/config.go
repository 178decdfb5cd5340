package app

import (
	"io/fs"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (STOREFRONT_ prefix), flags, a .env file or YAML
// config files.
type Config struct {
	Addr            string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL     string `usage:"PostgreSQL connection URL (STOREFRONT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper    string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	RateLimit       RateLimitConfig
	CouponRateLimit CouponRateLimitConfig
	CORS            CORSConfig
	Graceful        GracefulConfig
	Coupon          CouponConfig
	Alert           AlertConfig
}

// RateLimitConfig controls a per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CouponRateLimitConfig is the stricter per-client limit on coupon
// endpoints. Exceeding it is reported as suspicious activity.
type CouponRateLimitConfig struct {
	Max    int           `default:"20" usage:"Max coupon requests per window"`
	Window time.Duration `default:"1m" usage:"Coupon rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// CouponConfig controls coupon application retries.
type CouponConfig struct {
	MaxAttempts  int           `default:"3" usage:"Coupon transaction attempts on conflict"`
	RetryBackoff time.Duration `default:"25ms" usage:"Base backoff between coupon attempts"`
}

// AlertConfig controls alert dispatch and admin notifications.
type AlertConfig struct {
	AdminRecipient   string        `usage:"Email address receiving critical alerts"`
	EnvironmentLabel string        `default:"development" usage:"Environment name shown in alerts"`
	QueueSize        int           `default:"64" usage:"Pending notification queue size, 0 sends synchronously"`
	NotifyTimeout    time.Duration `default:"10s" usage:"Timeout for a single notification"`
	SMTP             SMTPConfig
}

// SMTPConfig configures the SMTP notifier. Notifications are disabled when
// Addr is empty.
type SMTPConfig struct {
	Addr     string `usage:"SMTP server host:port"`
	Username string `usage:"SMTP username"`
	Password string `usage:"SMTP password"`
	From     string `usage:"Sender address"`
}

// LoadConfig loads configuration from an optional .env file, environment
// variables, flags and YAML config files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}
	return loadConfig(aconfig.Config{
		EnvPrefix: "STOREFRONT",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided DATABASE_URL and PORT.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set STOREFRONT_DATABASE_URL or DATABASE_URL")
	case c.Coupon.MaxAttempts < 1:
		return errors.Errorf("coupon max attempts must be at least 1, got %d", c.Coupon.MaxAttempts)
	case c.Alert.QueueSize < 0:
		return errors.Errorf("alert queue size must not be negative, got %d", c.Alert.QueueSize)
	case c.Alert.SMTP.Addr != "" && (c.Alert.AdminRecipient == "" || c.Alert.SMTP.From == ""):
		return errors.New("alert admin recipient and SMTP sender are required when SMTP is enabled")
	}
	return nil
}
