package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	DBUrl     string `envconfig:"DB_URL" required:"true"`
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	AppEnv    string `envconfig:"APP_ENV" default:"production"`

	DBMaxConns        int32 `envconfig:"DB_MAX_CONNS" default:"10"`
	DBLockTimeoutMS   int   `envconfig:"DB_LOCK_TIMEOUT_MS" default:"3000"`
	LockRetryAttempts int   `envconfig:"LOCK_RETRY_ATTEMPTS" default:"3"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RabbitURL     string `envconfig:"RABBIT_URL"`
	EventExchange string `envconfig:"EVENT_EXCHANGE" default:"enrollment.exchange"`

	OtelEnabled     bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OtelServiceName string `envconfig:"OTEL_SERVICE_NAME" default:"enroll-back"`

	KISPGMID            string   `envconfig:"KISPG_MID" required:"true"`
	KISPGMerchantKey    string   `envconfig:"KISPG_MERCHANT_KEY" required:"true"`
	KISPGURL            string   `envconfig:"KISPG_URL" default:"https://testapi.kispg.co.kr"`
	AppBaseURL          string   `envconfig:"APP_BASE_URL" default:"http://localhost:8080"`
	KISPGHTTPTimeoutSec int      `envconfig:"KISPG_HTTP_TIMEOUT_SEC" default:"10"`
	KISPGAllowedIPs     []string `envconfig:"KISPG_ALLOWED_IPS"`

	PaymentWindowMinutes   int   `envconfig:"PAYMENT_WINDOW_MINUTES" default:"30"`
	LockerFee              int64 `envconfig:"LOCKER_FEE" default:"5000"`
	LessonDailyRate        int64 `envconfig:"LESSON_DAILY_RATE" default:"3500"`
	LockerHoldOnEnroll     bool  `envconfig:"LOCKER_HOLD_ON_ENROLL" default:"false"`
	ExpirySweepIntervalSec int   `envconfig:"EXPIRY_SWEEP_INTERVAL_SEC" default:"60"`
	LockerSyncIntervalMin  int   `envconfig:"LOCKER_SYNC_INTERVAL_MIN" default:"60"`
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.AppEnv = normalizeEnv(cfg.AppEnv)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.KISPGMID == "" || c.KISPGMerchantKey == "" {
		return fmt.Errorf("KISPG_MID and KISPG_MERCHANT_KEY are required")
	}
	if c.PaymentWindowMinutes <= 0 {
		return fmt.Errorf("PAYMENT_WINDOW_MINUTES must be positive")
	}
	if c.LockerFee < 0 || c.LessonDailyRate < 0 {
		return fmt.Errorf("LOCKER_FEE and LESSON_DAILY_RATE must not be negative")
	}
	for _, ip := range c.KISPGAllowedIPs {
		if net.ParseIP(strings.TrimSpace(ip)) == nil {
			return fmt.Errorf("KISPG_ALLOWED_IPS contains invalid address %q", ip)
		}
	}
	return nil
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}

func (c *Config) PaymentWindow() time.Duration {
	return time.Duration(c.PaymentWindowMinutes) * time.Minute
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.DBLockTimeoutMS) * time.Millisecond
}

func (c *Config) KISPGTimeout() time.Duration {
	return time.Duration(c.KISPGHTTPTimeoutSec) * time.Second
}

func (c *Config) ExpirySweepInterval() time.Duration {
	return time.Duration(c.ExpirySweepIntervalSec) * time.Second
}

func (c *Config) LockerSyncInterval() time.Duration {
	return time.Duration(c.LockerSyncIntervalMin) * time.Minute
}
