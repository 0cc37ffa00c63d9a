package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type RunStateBackend string

const (
	RunStateBackendFile  RunStateBackend = "file"
	RunStateBackendRedis RunStateBackend = "redis"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"APP_ENV" envDefault:"development"`

	WebhookSecret string   `env:"WEBHOOK_SECRET"`
	SinkURL       string   `env:"SINK_URL"`
	SinkToken     string   `env:"SINK_TOKEN"`
	AdminUserIDs  []string `env:"ADMIN_USER_IDS" envSeparator:","`

	SklandBaseURL      string `env:"SKLAND_BASE_URL" envDefault:"https://zonai.skland.com"`
	HypergryphAuthURL  string `env:"HYPERGRYPH_AUTH_URL" envDefault:"https://as.hypergryph.com"`
	GachaBaseURL       string `env:"GACHA_BASE_URL" envDefault:"https://ef-webview.hypergryph.com"`
	HTTPTimeoutSeconds int    `env:"HTTP_TIMEOUT_SECONDS" envDefault:"30"`
	ProxyURL           string `env:"PROXY_URL"`

	DeviceIDNodeBinary string `env:"DEVICE_ID_NODE_BINARY" envDefault:"node"`
	DeviceIDRunnerPath string `env:"DEVICE_ID_RUNNER_PATH"`
	DeviceIDSDKPath    string `env:"DEVICE_ID_SDK_PATH"`

	SignScheduleEnabled bool   `env:"SIGN_SCHEDULE_ENABLED" envDefault:"false"`
	SignTime            string `env:"SIGN_TIME" envDefault:"03:00"`
	SignTimezone        string `env:"SIGN_TIMEZONE" envDefault:"Asia/Shanghai"`
	SignConcurrentNum   int    `env:"SIGN_CONCURRENT_NUM" envDefault:"1"`
	SignIntervalMin     int    `env:"SIGN_INTERVAL_MIN" envDefault:"3"`
	SignIntervalMax     int    `env:"SIGN_INTERVAL_MAX" envDefault:"5"`
	SignMaxRetries      int    `env:"SIGN_MAX_RETRIES" envDefault:"3"`
	SignRetryDelayMS    int    `env:"SIGN_RETRY_DELAY_MS" envDefault:"1000"`
	PrivateSignReport   bool   `env:"PRIVATE_SIGN_REPORT" envDefault:"false"`
	GroupSignReport     bool   `env:"GROUP_SIGN_REPORT" envDefault:"false"`

	RunStateBackend RunStateBackend `env:"RUN_STATE_BACKEND" envDefault:"file"`
	RunStatePath    string          `env:"RUN_STATE_PATH" envDefault:"data/signing_state.json"`

	AnnPushEnabled  bool `env:"ANN_PUSH_ENABLED" envDefault:"true"`
	AnnCheckMinutes int  `env:"ANN_CHECK_MINUTES" envDefault:"10"`

	ActiveDays           int  `env:"ACTIVE_DAYS" envDefault:"30"`
	CommandRateLimit     int  `env:"COMMAND_RATE_LIMIT" envDefault:"20"`
	CommandAllowNoPrefix bool `env:"COMMAND_ALLOW_NO_PREFIX" envDefault:"false"`
	CleanupIntervalHours int  `env:"CLEANUP_INTERVAL_HOURS" envDefault:"24"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c *Config) SignRetryDelay() time.Duration {
	return time.Duration(c.SignRetryDelayMS) * time.Millisecond
}

func (c *Config) SignInterval() (time.Duration, time.Duration) {
	return time.Duration(c.SignIntervalMin) * time.Second, time.Duration(c.SignIntervalMax) * time.Second
}

func (c *Config) ActiveWindow() time.Duration {
	return time.Duration(c.ActiveDays) * 24 * time.Hour
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

func (c *Config) AnnCheckInterval() time.Duration {
	return time.Duration(c.AnnCheckMinutes) * time.Minute
}

// SignClock returns the configured daily check-in hour and minute.
func (c *Config) SignClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(c.SignTime))
	if err != nil {
		return 0, 0, fmt.Errorf("SIGN_TIME must be HH:MM: %w", err)
	}
	return t.Hour(), t.Minute(), nil
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.SignTimezone)
	if err != nil {
		return nil, fmt.Errorf("SIGN_TIMEZONE %q: %w", c.SignTimezone, err)
	}
	return loc, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if strings.TrimSpace(id) == userID {
			return true
		}
	}
	return false
}

func (c *Config) Validate() error {
	if c.SignConcurrentNum < 1 || c.SignConcurrentNum > MaxSignConcurrentNum {
		return fmt.Errorf("SIGN_CONCURRENT_NUM must be between 1 and %d", MaxSignConcurrentNum)
	}
	if c.SignIntervalMin < 0 || c.SignIntervalMax < c.SignIntervalMin {
		return fmt.Errorf("SIGN_INTERVAL_MIN must be >= 0 and <= SIGN_INTERVAL_MAX")
	}
	if c.SignMaxRetries < 1 {
		return fmt.Errorf("SIGN_MAX_RETRIES must be at least 1")
	}
	if c.AnnPushEnabled && c.AnnCheckMinutes < 1 {
		return fmt.Errorf("ANN_CHECK_MINUTES must be at least 1 when ANN_PUSH_ENABLED is set")
	}
	if _, _, err := c.SignClock(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.RunStateBackend {
	case RunStateBackendFile:
		if c.RunStatePath == "" {
			return fmt.Errorf("RUN_STATE_PATH is required for the file run state backend")
		}
	case RunStateBackendRedis:
	default:
		return fmt.Errorf("RUN_STATE_BACKEND must be %q or %q", RunStateBackendFile, RunStateBackendRedis)
	}

	if c.ProxyURL != "" {
		if _, err := url.Parse(c.ProxyURL); err != nil {
			return fmt.Errorf("PROXY_URL: %w", err)
		}
	}

	if c.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET is empty: webhook signature verification disabled")
	}
	if c.SinkURL == "" {
		log.Warn().Msg("SINK_URL is empty: sign reports and login results will not be pushed")
	}
	if c.DeviceIDRunnerPath == "" || c.DeviceIDSDKPath == "" {
		log.Warn().Msg("device id script not configured: card detail, user info and token login are unavailable")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
