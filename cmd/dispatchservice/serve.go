package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-dispatch-service/dispatchservice"
	"github.com/tinywideclouds/go-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-dispatch-service/internal/accounts"
	"github.com/tinywideclouds/go-dispatch-service/internal/credential"
	"github.com/tinywideclouds/go-dispatch-service/internal/engine"
	"github.com/tinywideclouds/go-dispatch-service/internal/history"
	"github.com/tinywideclouds/go-dispatch-service/internal/metrics"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-dispatch-service/internal/pool"
	"github.com/tinywideclouds/go-dispatch-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-dispatch-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-dispatch-service/internal/storage/gormstore"
	"github.com/tinywideclouds/go-dispatch-service/internal/subscription"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

func serveCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP admin API and, when enabled, the queued dispatch pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger)
		},
	}
}

func runServe(parent context.Context, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("config failed: %w", err)
	}

	codec, err := credential.NewCodecFromBase64(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("invalid secret key: %w", err)
	}

	// --- Record Store ---
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Device Reads (Decorated) ---
	var devices dispatch.DeviceRepository = store
	var cacheClient cache.CacheClient
	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()
		cacheClient = redisClient
	} else {
		memClient := cache.NewMemoryClient(cfg.CacheTTL)
		defer memClient.Close()
		cacheClient = memClient
	}
	devices = cache.NewCachedDeviceStore(store, cacheClient, cfg.CacheTTL, logger)
	logger.Info("DeviceRepository upgraded", "type", "cached", "redis", cfg.Redis.Enabled)

	// --- Metrics ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return err
	}

	// --- Provider Clients ---
	credStore := credential.NewStore(store, codec, logger)
	factory := fcm.NewFactory(cfg.Provider.Timeout, logger)

	poolOpts := []pool.Option{pool.WithMetrics(m), pool.WithInitTimeout(cfg.Provider.Timeout)}
	if cfg.Provider.UseEnvironmentDefault {
		envClient, err := factory.NewDefaultClient(ctx, cfg.ProjectID, cfg.Provider.DefaultCredentialsFile)
		if err != nil {
			return fmt.Errorf("failed to build environment default client: %w", err)
		}
		poolOpts = append(poolOpts, pool.WithEnvironmentDefault(envClient))
	}
	clientPool := pool.New(credStore, factory, logger, poolOpts...)
	defer clientPool.Close()

	// --- Domain ---
	recorder := history.NewRecorder(store, logger)
	eng := engine.New(clientPool, devices, recorder, engine.Config{
		BatchSize:       cfg.Provider.MulticastBatchSize,
		ProviderTimeout: cfg.Provider.Timeout,
	}, logger, engine.WithMetrics(m))
	reconciler := subscription.New(clientPool, store, subscription.Config{
		ChunkSize:       cfg.Provider.TopicBatchSize,
		ProviderTimeout: cfg.Provider.Timeout,
	}, logger, subscription.WithMetrics(m))
	accountService := accounts.NewService(credStore, clientPool, factory, cfg.Provider.Timeout, logger)

	// --- Auth ---
	authMiddleware, err := newAuthMiddleware(cfg, logger)
	if err != nil {
		return err
	}

	// --- Queue ---
	var consumer messagepipeline.MessageConsumer
	if cfg.Queue.Enabled {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client failed: %w", err)
		}
		defer psClient.Close()

		consumer, err = newJobConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			return err
		}
	}

	service, err := dispatchservice.New(cfg, consumer, dispatchservice.Dependencies{
		Dispatcher: eng,
		Topics:     reconciler,
		Devices:    devices,
		Accounts:   accountService,
		History:    recorder,
		Gatherer:   registry,
	}, authMiddleware, logger)
	if err != nil {
		return fmt.Errorf("service creation failed: %w", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...", "addr", cfg.ListenAddr, "store", cfg.Store.Driver, "queue", cfg.Queue.Enabled)
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("service shutdown with error: %w", err)
	}
	return nil
}

// openStore selects the record store backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		logger.Info("Store initialized", "type", "firestore")
		return fsStore.NewFirestoreStore(fsClient, logger), func() { _ = fsClient.Close() }, nil
	default:
		s, err := gormstore.Open(cfg.Store.Driver, cfg.Store.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Store initialized", "type", cfg.Store.Driver)
		return s, func() { _ = s.Close() }, nil
	}
}

func newAuthMiddleware(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	identityURL := cfg.IdentityServiceURL
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		return nil, fmt.Errorf("identity discovery failed: %w", err)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		return nil, fmt.Errorf("auth middleware failed: %w", err)
	}
	return authMiddleware, nil
}

// newJobConsumer ensures the job subscription exists and returns a consumer for it.
func newJobConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.Queue.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.Queue.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:                     sub,
		Topic:                    topicID,
		AckDeadlineSeconds:       30,
		MessageRetentionDuration: durationpb.New(cfg.Queue.Retention),
		EnableMessageOrdering:    false,
	}
	if cfg.Queue.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.Queue.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(cfg.Queue.PubsubConsumerConfig, psClient, logger)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
