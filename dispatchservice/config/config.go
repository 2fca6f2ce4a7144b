package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
	StoreSQLite    = "sqlite"

	MaxMulticastBatchSize = 500
	MaxTopicBatchSize     = 1000
)

type StoreConfig struct {
	Driver string
	DSN    string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type ProviderConfig struct {
	Timeout                time.Duration
	MulticastBatchSize     int
	TopicBatchSize         int
	DefaultCredentialsFile string
	UseEnvironmentDefault  bool
}

type QueueConfig struct {
	Enabled                bool
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumWorkers             int
	Retention              time.Duration
	PubsubConsumerConfig   *messagepipeline.GooglePubsubConsumerConfig
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID          string
	ListenAddr         string
	IdentityServiceURL string

	// SecretKey is the base64 encoded 32 byte key sealing stored credentials.
	SecretKey string

	CorsConfig middleware.CorsConfig
	Store      StoreConfig
	Redis      RedisConfig
	CacheTTL   time.Duration
	Provider   ProviderConfig
	Queue      QueueConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	str := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = val
		}
	}
	num := func(key string, dst *int) error {
		val := os.Getenv(key)
		if val == "" {
			return nil
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		logger.Debug("Overriding config value", "key", key, "source", "env")
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		val := os.Getenv(key)
		if val == "" {
			return nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s must be a duration: %w", key, err)
		}
		logger.Debug("Overriding config value", "key", key, "source", "env")
		*dst = d
		return nil
	}
	flag := func(key string, dst *bool) error {
		val := os.Getenv(key)
		if val == "" {
			return nil
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		logger.Debug("Overriding config value", "key", key, "source", "env")
		*dst = b
		return nil
	}

	// 1. Apply Environment Overrides
	str("PROJECT_ID", &cfg.ProjectID)
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	str("IDENTITY_SERVICE_URL", &cfg.IdentityServiceURL)
	str("DISPATCH_SECRET_KEY", &cfg.SecretKey)

	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_DSN", &cfg.Store.DSN)

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	str("REDIS_PASSWORD", &cfg.Redis.Password)

	str("DEFAULT_CREDENTIALS_FILE", &cfg.Provider.DefaultCredentialsFile)

	str("TOPIC_ID", &cfg.Queue.TopicID)
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.Queue.SubscriptionID = val
		cfg.Queue.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	str("SUBSCRIPTION_DLQ_TOPIC_ID", &cfg.Queue.SubscriptionDLQTopicID)

	for _, apply := range []func() error{
		func() error { return num("REDIS_DB", &cfg.Redis.DB) },
		func() error { return flag("REDIS_ENABLED", &cfg.Redis.Enabled) },
		func() error { return dur("CACHE_TTL", &cfg.CacheTTL) },
		func() error { return dur("PROVIDER_TIMEOUT", &cfg.Provider.Timeout) },
		func() error { return num("MULTICAST_BATCH_SIZE", &cfg.Provider.MulticastBatchSize) },
		func() error { return num("TOPIC_BATCH_SIZE", &cfg.Provider.TopicBatchSize) },
		func() error { return flag("USE_ENVIRONMENT_DEFAULT", &cfg.Provider.UseEnvironmentDefault) },
		func() error { return flag("QUEUE_ENABLED", &cfg.Queue.Enabled) },
		func() error { return num("NUM_PIPELINE_WORKERS", &cfg.Queue.NumWorkers) },
		func() error { return dur("QUEUE_RETENTION", &cfg.Queue.Retention) },
	} {
		if err := apply(); err != nil {
			return nil, err
		}
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreFirestore
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Provider.Timeout <= 0 {
		cfg.Provider.Timeout = 30 * time.Second
	}
	if cfg.Provider.MulticastBatchSize <= 0 {
		cfg.Provider.MulticastBatchSize = MaxMulticastBatchSize
	}
	if cfg.Provider.TopicBatchSize <= 0 {
		cfg.Provider.TopicBatchSize = MaxTopicBatchSize
	}
	if cfg.Queue.NumWorkers <= 0 {
		cfg.Queue.NumWorkers = 1
	}
	if cfg.Queue.Retention <= 0 {
		cfg.Queue.Retention = 24 * time.Hour
	}

	// 3. Final Validation
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("secret_key is required (set via YAML or DISPATCH_SECRET_KEY env var)")
	}
	switch cfg.Store.Driver {
	case StoreFirestore:
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("project_id is required for the firestore store (set via YAML or PROJECT_ID env var)")
		}
	case StorePostgres, StoreSQLite:
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for the %s store", cfg.Store.Driver)
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	if cfg.Provider.MulticastBatchSize > MaxMulticastBatchSize {
		return nil, fmt.Errorf("multicast_batch_size %d exceeds the provider limit of %d", cfg.Provider.MulticastBatchSize, MaxMulticastBatchSize)
	}
	if cfg.Provider.TopicBatchSize > MaxTopicBatchSize {
		return nil, fmt.Errorf("topic_batch_size %d exceeds the provider limit of %d", cfg.Provider.TopicBatchSize, MaxTopicBatchSize)
	}
	if cfg.Queue.Enabled {
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("project_id is required when the queue is enabled")
		}
		if cfg.Queue.TopicID == "" || cfg.Queue.SubscriptionID == "" {
			return nil, fmt.Errorf("queue.topic_id and queue.subscription_id are required when the queue is enabled")
		}
		if cfg.Queue.PubsubConsumerConfig == nil {
			cfg.Queue.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Queue.SubscriptionID)
		}
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
