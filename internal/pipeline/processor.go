package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// QueueOperator is recorded in history for jobs that carry no operator.
const QueueOperator = "urn:dispatch:service:queue"

// Dispatcher is the engine surface the processor drives.
type Dispatcher interface {
	DispatchToDevice(ctx context.Context, req dispatch.DeviceRequest) (*dispatch.DispatchResult, error)
	DispatchToTopic(ctx context.Context, req dispatch.TopicRequest) (*dispatch.DispatchResult, error)
	DispatchBroadcast(ctx context.Context, req dispatch.BroadcastRequest) (*dispatch.DispatchResult, error)
}

// NewProcessor executes queued jobs. Only failures that a redelivery could
// cure are returned; everything else is logged and acknowledged.
func NewProcessor(dispatcher Dispatcher, logger *slog.Logger) messagepipeline.StreamProcessor[DispatchJob] {
	logger = logger.With("component", "DispatchProcessor")

	return func(ctx context.Context, original messagepipeline.Message, job *DispatchJob) error {
		procLogger := logger.With("mode", job.Mode, "pubsub_msg_id", original.ID)

		operator := job.Operator
		if operator == "" {
			operator = QueueOperator
		}

		var res *dispatch.DispatchResult
		var err error
		switch job.Mode {
		case dispatch.ModeDevice:
			res, err = dispatcher.DispatchToDevice(ctx, dispatch.DeviceRequest{
				AccountID: job.AccountID, Token: job.Token, Content: job.Content, Operator: operator,
			})
		case dispatch.ModeTopic:
			res, err = dispatcher.DispatchToTopic(ctx, dispatch.TopicRequest{
				AccountID: job.AccountID, Topic: job.Topic, Content: job.Content, Operator: operator,
			})
		default:
			res, err = dispatcher.DispatchBroadcast(ctx, dispatch.BroadcastRequest{
				AccountID: job.AccountID, DeviceIDs: job.DeviceIDs, Tokens: job.Tokens, Content: job.Content, Operator: operator,
			})
		}

		if err != nil {
			if retryable(err) {
				procLogger.Error("Dispatch job failed, will be redelivered", "err", err)
				return err
			}
			procLogger.Warn("Dispatch job dropped", "err", err)
			return nil
		}

		procLogger.Info("Dispatch job completed",
			"status", res.Status, "success", res.SuccessCount, "failure", res.FailureCount)
		return nil
	}
}

// retryable reports whether a redelivery could succeed. Missing providers and
// failed client construction may be fixed by configuration in the meantime.
func retryable(err error) bool {
	var initErr *dispatch.ProviderInitError
	return errors.Is(err, dispatch.ErrNoProviderAvailable) || errors.As(err, &initErr)
}
