package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	Workers       int           `mapstructure:"workers"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// Default retry policy for webhooks that do not override it.
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`

	// FailFastClientErrors abandons a delivery on the first non-429 4xx
	// response instead of consuming the retry budget.
	FailFastClientErrors bool `mapstructure:"fail_fast_client_errors"`
}

type RateLimitConfig struct {
	// Default per-webhook caps, applied when the webhook does not set its
	// own. Zero disables the cap.
	PerHour int `mapstructure:"per_hour"`
	PerDay  int `mapstructure:"per_day"`

	// DeferralCountsAsRetry makes a rejected admission consume a retry
	// attempt instead of deferring out of band.
	DeferralCountsAsRetry bool `mapstructure:"deferral_counts_as_retry"`
}

type MonitoringConfig struct {
	ScanInterval        time.Duration `mapstructure:"scan_interval"`
	Window              time.Duration `mapstructure:"window"`
	MinSamples          int           `mapstructure:"min_samples"`
	MaxAvgLatencyMs     float64       `mapstructure:"max_avg_latency_ms"`
	MinSuccessRate      float64       `mapstructure:"min_success_rate"`
	ConsecutiveFailures int           `mapstructure:"consecutive_failures"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type EventsConfig struct {
	// Types the registry accepts in webhook subscriptions, besides the
	// wildcard forms "*" and "prefix.*".
	KnownTypes []string `mapstructure:"known_types"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	EventTTL   time.Duration `mapstructure:"event_ttl"`
	AttemptTTL time.Duration `mapstructure:"attempt_ttl"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("hookbridge")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/hookbridge")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("HOOKBRIDGE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/hookbridge.db")

	viper.SetDefault("delivery.workers", 50)
	viper.SetDefault("delivery.timeout", 10*time.Second)
	viper.SetDefault("delivery.sweep_interval", 1*time.Second)
	viper.SetDefault("delivery.max_retries", 5)
	viper.SetDefault("delivery.initial_delay", 30*time.Second)
	viper.SetDefault("delivery.backoff_multiplier", 2.0)
	viper.SetDefault("delivery.max_delay", 2*time.Hour)
	viper.SetDefault("delivery.fail_fast_client_errors", false)

	viper.SetDefault("ratelimit.per_hour", 0)
	viper.SetDefault("ratelimit.per_day", 0)
	viper.SetDefault("ratelimit.deferral_counts_as_retry", false)

	viper.SetDefault("monitoring.scan_interval", 60*time.Second)
	viper.SetDefault("monitoring.window", 15*time.Minute)
	viper.SetDefault("monitoring.min_samples", 5)
	viper.SetDefault("monitoring.max_avg_latency_ms", 5000.0)
	viper.SetDefault("monitoring.min_success_rate", 50.0)
	viper.SetDefault("monitoring.consecutive_failures", 3)

	viper.SetDefault("metrics.enabled", true)

	viper.SetDefault("events.known_types", []string{
		"document.processed",
		"document.failed",
		"chat.message.generated",
		"compliance.alert.raised",
		"system.health.changed",
	})

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("retention.event_ttl", 30*24*time.Hour)
	viper.SetDefault("retention.attempt_ttl", 7*24*time.Hour)
}
