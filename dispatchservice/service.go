// Package dispatchservice assembles the HTTP admin surface and the optional
// queued dispatch pipeline into one runnable service.
package dispatchservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-dispatch-service/internal/api"
	"github.com/tinywideclouds/go-dispatch-service/internal/pipeline"
)

// Dispatcher is satisfied by *engine.Engine.
type Dispatcher interface {
	api.Dispatcher
	pipeline.Dispatcher
}

// Dependencies are the domain components the service exposes.
type Dependencies struct {
	Dispatcher Dispatcher
	Topics     api.Topics
	Devices    api.Devices
	Accounts   api.Accounts
	History    api.History
	Gatherer   prometheus.Gatherer
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.DispatchJob]
	logger          *slog.Logger
}

// New assembles the service. A nil consumer runs the HTTP surface only.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	deps Dependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Queued dispatch
	var streamingService *messagepipeline.StreamingService[pipeline.DispatchJob]
	if consumer != nil {
		processor := pipeline.NewProcessor(deps.Dispatcher, logger)

		var err error
		streamingService, err = messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.Queue.NumWorkers},
			consumer,
			pipeline.DispatchJobTransformer,
			processor,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
	}

	// 3. Admin API
	adminAPI := api.NewAdminAPI(deps.Dispatcher, deps.Topics, deps.Devices, deps.Accounts, deps.History, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	handle("POST /api/v1/dispatch/device", adminAPI.DispatchDevice)
	handle("POST /api/v1/dispatch/topic", adminAPI.DispatchTopic)
	handle("POST /api/v1/dispatch/broadcast", adminAPI.DispatchBroadcast)

	handle("GET /api/v1/topics", adminAPI.ListTopics)
	handle("POST /api/v1/topics/subscribe", adminAPI.Subscribe)
	handle("POST /api/v1/topics/unsubscribe", adminAPI.Unsubscribe)
	handle("GET /api/v1/topics/{name}/subscriptions", adminAPI.ListSubscriptions)
	handle("DELETE /api/v1/topics/{name}", adminAPI.DeleteTopic)

	handle("POST /api/v1/devices", adminAPI.RegisterDevice)

	handle("GET /api/v1/accounts", adminAPI.ListAccounts)
	handle("POST /api/v1/accounts", adminAPI.RegisterAccount)
	handle("POST /api/v1/accounts/test", adminAPI.TestCredentials)
	handle("PUT /api/v1/accounts/{id}", adminAPI.UpdateAccount)
	handle("DELETE /api/v1/accounts/{id}", adminAPI.DeleteAccount)
	handle("POST /api/v1/accounts/{id}/deactivate", adminAPI.DeactivateAccount)
	handle("POST /api/v1/accounts/{id}/test", adminAPI.TestAccount)

	handle("GET /api/v1/history", adminAPI.ListHistory)

	// CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	if w.pipelineService != nil {
		w.logger.Info("Queued dispatch pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
