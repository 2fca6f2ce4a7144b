package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-dispatch-service/internal/pipeline"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) DispatchToDevice(ctx context.Context, req dispatch.DeviceRequest) (*dispatch.DispatchResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*dispatch.DispatchResult)
	return res, args.Error(1)
}
func (m *mockDispatcher) DispatchToTopic(ctx context.Context, req dispatch.TopicRequest) (*dispatch.DispatchResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*dispatch.DispatchResult)
	return res, args.Error(1)
}
func (m *mockDispatcher) DispatchBroadcast(ctx context.Context, req dispatch.BroadcastRequest) (*dispatch.DispatchResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*dispatch.DispatchResult)
	return res, args.Error(1)
}

func TestProcessor_Routing(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	content := dispatch.Content{Title: "Hello"}
	done := &dispatch.DispatchResult{Status: dispatch.StatusSuccess, SuccessCount: 1}

	t.Run("Routes Device Jobs And Defaults The Operator", func(t *testing.T) {
		d := new(mockDispatcher)
		d.On("DispatchToDevice", mock.Anything, dispatch.DeviceRequest{
			AccountID: "acc-1", Token: "tok", Content: content, Operator: pipeline.QueueOperator,
		}).Return(done, nil)

		processor := pipeline.NewProcessor(d, logger)
		err := processor(ctx, messagepipeline.Message{}, &pipeline.DispatchJob{
			Mode: dispatch.ModeDevice, AccountID: "acc-1", Token: "tok", Content: content,
		})

		require.NoError(t, err)
		d.AssertExpectations(t)
	})

	t.Run("Routes Broadcast Jobs With Explicit Targets", func(t *testing.T) {
		d := new(mockDispatcher)
		d.On("DispatchBroadcast", mock.Anything, mock.MatchedBy(func(req dispatch.BroadcastRequest) bool {
			return len(req.DeviceIDs) == 2 && req.Operator == "urn:test:user:ops"
		})).Return(done, nil)

		processor := pipeline.NewProcessor(d, logger)
		err := processor(ctx, messagepipeline.Message{}, &pipeline.DispatchJob{
			Mode: dispatch.ModeBroadcast, DeviceIDs: []string{"d1", "d2"}, Content: content, Operator: "urn:test:user:ops",
		})

		require.NoError(t, err)
		d.AssertExpectations(t)
	})

	t.Run("Missing Provider Is Redelivered", func(t *testing.T) {
		d := new(mockDispatcher)
		d.On("DispatchToTopic", mock.Anything, mock.Anything).Return(nil, dispatch.ErrNoProviderAvailable)

		processor := pipeline.NewProcessor(d, logger)
		err := processor(ctx, messagepipeline.Message{}, &pipeline.DispatchJob{Mode: dispatch.ModeTopic, Topic: "news"})

		assert.ErrorIs(t, err, dispatch.ErrNoProviderAvailable)
	})

	t.Run("Provider Init Failure Is Redelivered", func(t *testing.T) {
		d := new(mockDispatcher)
		d.On("DispatchToTopic", mock.Anything, mock.Anything).
			Return(nil, &dispatch.ProviderInitError{AccountID: "acc-1", Err: errors.New("token fetch failed")})

		processor := pipeline.NewProcessor(d, logger)
		err := processor(ctx, messagepipeline.Message{}, &pipeline.DispatchJob{Mode: dispatch.ModeTopic, Topic: "news"})

		assert.Error(t, err)
	})

	t.Run("Permanent Failures Are Acknowledged", func(t *testing.T) {
		d := new(mockDispatcher)
		d.On("DispatchBroadcast", mock.Anything, mock.Anything).Return(nil, dispatch.ErrNoTargetsResolved)
		d.On("DispatchToDevice", mock.Anything, mock.Anything).
			Return(nil, &dispatch.ProviderRejectedError{Code: "UNREGISTERED"})

		processor := pipeline.NewProcessor(d, logger)

		assert.NoError(t, processor(ctx, messagepipeline.Message{}, &pipeline.DispatchJob{Mode: dispatch.ModeBroadcast}))
		assert.NoError(t, processor(ctx, messagepipeline.Message{}, &pipeline.DispatchJob{Mode: dispatch.ModeDevice, Token: "tok"}))
	})
}
