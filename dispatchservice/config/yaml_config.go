package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlStoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlProviderConfig struct {
	Timeout                string `yaml:"timeout"`
	MulticastBatchSize     int    `yaml:"multicast_batch_size"`
	TopicBatchSize         int    `yaml:"topic_batch_size"`
	DefaultCredentialsFile string `yaml:"default_credentials_file"`
	UseEnvironmentDefault  bool   `yaml:"use_environment_default"`
}

type YamlQueueConfig struct {
	Enabled                bool   `yaml:"enabled"`
	TopicID                string `yaml:"topic_id"`
	SubscriptionID         string `yaml:"subscription_id"`
	SubscriptionDLQTopicID string `yaml:"subscription_dlq_topic_id"`
	NumWorkers             int    `yaml:"num_workers"`
	Retention              string `yaml:"retention"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID          string             `yaml:"project_id"`
	ListenAddr         string             `yaml:"listen_addr"`
	IdentityServiceURL string             `yaml:"identity_service_url"`
	SecretKey          string             `yaml:"secret_key"`
	CacheTTL           string             `yaml:"cache_ttl"`
	CorsConfig         YamlCorsConfig     `yaml:"cors"`
	StoreConfig        YamlStoreConfig    `yaml:"store"`
	RedisConfig        YamlRedisConfig    `yaml:"redis"`
	ProviderConfig     YamlProviderConfig `yaml:"provider"`
	QueueConfig        YamlQueueConfig    `yaml:"queue"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:          baseCfg.ProjectID,
		ListenAddr:         baseCfg.ListenAddr,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		SecretKey:          baseCfg.SecretKey,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Store: StoreConfig{
			Driver: baseCfg.StoreConfig.Driver,
			DSN:    baseCfg.StoreConfig.DSN,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Provider: ProviderConfig{
			MulticastBatchSize:     baseCfg.ProviderConfig.MulticastBatchSize,
			TopicBatchSize:         baseCfg.ProviderConfig.TopicBatchSize,
			DefaultCredentialsFile: baseCfg.ProviderConfig.DefaultCredentialsFile,
			UseEnvironmentDefault:  baseCfg.ProviderConfig.UseEnvironmentDefault,
		},
		Queue: QueueConfig{
			Enabled:                baseCfg.QueueConfig.Enabled,
			TopicID:                baseCfg.QueueConfig.TopicID,
			SubscriptionID:         baseCfg.QueueConfig.SubscriptionID,
			SubscriptionDLQTopicID: baseCfg.QueueConfig.SubscriptionDLQTopicID,
			NumWorkers:             baseCfg.QueueConfig.NumWorkers,
		},
	}

	var err error
	if cfg.CacheTTL, err = parseDuration("cache_ttl", baseCfg.CacheTTL); err != nil {
		return nil, err
	}
	if cfg.Provider.Timeout, err = parseDuration("provider.timeout", baseCfg.ProviderConfig.Timeout); err != nil {
		return nil, err
	}
	if cfg.Queue.Retention, err = parseDuration("queue.retention", baseCfg.QueueConfig.Retention); err != nil {
		return nil, err
	}

	if cfg.Queue.SubscriptionID != "" {
		cfg.Queue.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Queue.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"store_driver", cfg.Store.Driver,
		"queue_enabled", cfg.Queue.Enabled,
	)

	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
