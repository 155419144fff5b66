// Package config loads service settings from the environment (prefix ACCOUNT_POOL_)
// and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/ILLUVRSE/account-pool/internal/scaling"
)

const EnvPrefix = "ACCOUNT_POOL"

type Config struct {
	Addr string `mapstructure:"addr"`

	Store         string `mapstructure:"store"`
	DatabaseURL   string `mapstructure:"database_url"`
	DynamoDBTable string `mapstructure:"dynamodb_table"`

	Queue    string `mapstructure:"queue"`
	QueueURL string `mapstructure:"queue_url"`

	Substrate            string `mapstructure:"substrate"`
	ECSServiceResourceID string `mapstructure:"ecs_service_resource_id"`

	MaxLease           time.Duration `mapstructure:"max_lease"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	RecomputeInterval  time.Duration `mapstructure:"recompute_interval"`
	AcquireMaxAttempts int           `mapstructure:"acquire_max_attempts"`

	KafkaBrokers         []string `mapstructure:"kafka_brokers"`
	KafkaEventsTopic     string   `mapstructure:"kafka_events_topic"`
	KafkaOnboardingTopic string   `mapstructure:"kafka_onboarding_topic"`
	KafkaGroupID         string   `mapstructure:"kafka_group_id"`

	EventBusName  string `mapstructure:"event_bus_name"`
	ArchiveBucket string `mapstructure:"archive_bucket"`
	ArchivePrefix string `mapstructure:"archive_prefix"`

	AdminKeysFile string `mapstructure:"admin_keys_file"`
	AdminScope    string `mapstructure:"admin_scope"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

var defaults = map[string]interface{}{
	"addr":                    ":8060",
	"store":                   "memory",
	"database_url":            "",
	"dynamodb_table":          "",
	"queue":                   "memory",
	"queue_url":               "",
	"substrate":               "log",
	"ecs_service_resource_id": "",
	"max_lease":               time.Hour,
	"sweep_interval":          5 * time.Minute,
	"recompute_interval":      60 * time.Second,
	"acquire_max_attempts":    5,
	"kafka_brokers":           []string{},
	"kafka_events_topic":      "",
	"kafka_onboarding_topic":  "",
	"kafka_group_id":          "account-pool",
	"event_bus_name":          "",
	"archive_bucket":          "",
	"archive_prefix":          "account-pool",
	"admin_keys_file":         "",
	"admin_scope":             "pool:admin",
	"log_level":               "info",
	"log_pretty":              false,
}

// NewViper returns a viper instance with defaults and environment binding applied.
// configFile is optional.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database_url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// FromViper decodes and validates a Config.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.KafkaBrokers = splitBrokers(cfg.KafkaBrokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(configFile string) (Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL or ACCOUNT_POOL_DATABASE_URL required for postgres store"))
		}
	case "dynamodb":
		if c.DynamoDBTable == "" {
			errs = append(errs, errors.New("dynamodb_table required for dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Queue {
	case "memory":
	case "sqs":
		if c.QueueURL == "" {
			errs = append(errs, errors.New("queue_url required for sqs queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue %q", c.Queue))
	}
	switch c.Substrate {
	case "log":
	case "ecs":
		if _, _, err := scaling.ParseServiceResourceID(c.ECSServiceResourceID); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown substrate %q", c.Substrate))
	}
	if c.MaxLease <= 0 || c.SweepInterval <= 0 || c.RecomputeInterval <= 0 {
		errs = append(errs, errors.New("max_lease, sweep_interval and recompute_interval must be positive"))
	}
	if c.AcquireMaxAttempts <= 0 {
		errs = append(errs, errors.New("acquire_max_attempts must be positive"))
	}
	if (c.KafkaEventsTopic != "" || c.KafkaOnboardingTopic != "") && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("kafka_brokers required when a kafka topic is set"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// splitBrokers accepts both list values and a single comma separated string.
func splitBrokers(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if v := strings.TrimSpace(part); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
