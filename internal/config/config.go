package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"membershippay/internal/apperr"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the service needs. It is loaded once at startup
// and passed by reference to the components that need it.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Membership MembershipConfig `mapstructure:"membership"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Business   BusinessConfig   `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Env   string `mapstructure:"env"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	MembershipEvents string `mapstructure:"membership_events"`
}

// GatewayConfig carries the merchant credentials and endpoints of the
// payment gateway.
type GatewayConfig struct {
	MerchantID  string        `mapstructure:"merchant_id"`
	SaltKey     string        `mapstructure:"salt_key"`
	SaltIndex   string        `mapstructure:"salt_index"`
	BaseURL     string        `mapstructure:"base_url"`
	CallbackURL string        `mapstructure:"callback_url"`
	RedirectURL string        `mapstructure:"redirect_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

type MembershipConfig struct {
	RenewalDays     int    `mapstructure:"renewal_days"`
	Currency        string `mapstructure:"currency"`
	MaxReasonLength int    `mapstructure:"max_reason_length"`
}

// RenewalPeriod is how far a completed payment pushes membership expiry.
func (m MembershipConfig) RenewalPeriod() time.Duration {
	return time.Duration(m.RenewalDays) * 24 * time.Hour
}

type ReconcileConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Workers    int           `mapstructure:"workers"`
	BatchSize  int           `mapstructure:"batch_size"`
}

type BusinessConfig struct {
	MaxRetryCount   int           `mapstructure:"max_retry_count"`
	RefundLockTTL   time.Duration `mapstructure:"refund_lock_ttl"`
	OutboxInterval  time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize int           `mapstructure:"outbox_batch_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.env", "production")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("kafka.topic.membership_events", "membership_events")
	v.SetDefault("gateway.salt_index", "1")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("membership.renewal_days", 30)
	v.SetDefault("membership.currency", "INR")
	v.SetDefault("membership.max_reason_length", 500)
	v.SetDefault("reconcile.interval", time.Minute)
	v.SetDefault("reconcile.stale_after", 5*time.Minute)
	v.SetDefault("reconcile.workers", 5)
	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.refund_lock_ttl", 30*time.Second)
	v.SetDefault("business.outbox_interval", 500*time.Millisecond)
	v.SetDefault("business.outbox_batch_size", 100)
}

// requiredKeys lists settings without which the service must not start.
var requiredKeys = []string{
	"gateway.merchant_id",
	"gateway.salt_key",
	"gateway.salt_index",
	"gateway.base_url",
	"gateway.callback_url",
	"gateway.redirect_url",
}

// Load reads the yaml file at configPath (optional when every setting comes
// from the environment), overlays environment variables such as
// GATEWAY_SALT_KEY, and validates the result.
func Load(configPath string) (*Config, error) {
	// a missing .env is normal outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Wrap(apperr.KindConfiguration, "config.Load", err, "failed to read .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range requiredKeys {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("mysql.password")
	_ = v.BindEnv("redis.password")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, apperr.Wrap(apperr.KindConfiguration, "config.Load", err, "failed to read config file")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "config.Load", err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on missing gateway credentials or URLs, naming every
// missing key at once.
func (c *Config) Validate() error {
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if c.Membership.RenewalDays <= 0 {
		return apperr.New(apperr.KindConfiguration, "config.Validate", "membership.renewal_days must be positive")
	}
	if c.Business.RefundLockTTL <= 0 {
		return apperr.New(apperr.KindConfiguration, "config.Validate", "business.refund_lock_ttl must be positive")
	}
	return nil
}

func (g GatewayConfig) Validate() error {
	var missing []string
	check := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	check("gateway.merchant_id", g.MerchantID)
	check("gateway.salt_key", g.SaltKey)
	check("gateway.salt_index", g.SaltIndex)
	check("gateway.base_url", g.BaseURL)
	check("gateway.callback_url", g.CallbackURL)
	check("gateway.redirect_url", g.RedirectURL)
	if len(missing) > 0 {
		return apperr.New(apperr.KindConfiguration, "config.Validate",
			"missing required settings: "+strings.Join(missing, ", "))
	}
	return nil
}
