package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-dispatch-service/internal/pipeline"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

func TestDispatchJobTransformer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	message := func(id, payload string) *messagepipeline.Message {
		return &messagepipeline.Message{
			MessageData: messagepipeline.MessageData{ID: id, Payload: []byte(payload)},
		}
	}

	t.Run("Happy Path - Topic Job", func(t *testing.T) {
		job, skip, err := pipeline.DispatchJobTransformer(ctx, message("msg-1",
			`{"mode":"topic","topic":"news","content":{"title":"Hi","data":{"k":"v"}}}`))

		require.NoError(t, err)
		assert.False(t, skip)
		assert.Equal(t, dispatch.ModeTopic, job.Mode)
		assert.Equal(t, "news", job.Topic)
		assert.Equal(t, "v", job.Content.Data["k"])
	})

	t.Run("Happy Path - Broadcast To All", func(t *testing.T) {
		job, skip, err := pipeline.DispatchJobTransformer(ctx, message("msg-2",
			`{"mode":"broadcast","content":{"body":"Tonight"}}`))

		require.NoError(t, err)
		assert.False(t, skip)
		assert.Empty(t, job.DeviceIDs)
	})

	t.Run("Failure - Malformed JSON", func(t *testing.T) {
		_, skip, err := pipeline.DispatchJobTransformer(ctx, message("msg-3", "not-json"))

		require.Error(t, err)
		assert.True(t, skip)
		assert.Contains(t, err.Error(), "failed to unmarshal dispatch job")
	})

	t.Run("Failure - Device Job Without Token", func(t *testing.T) {
		_, skip, err := pipeline.DispatchJobTransformer(ctx, message("msg-4", `{"mode":"device"}`))

		require.Error(t, err)
		assert.True(t, skip)
		assert.Contains(t, err.Error(), "invalid dispatch job")
	})

	t.Run("Failure - Unknown Mode", func(t *testing.T) {
		_, skip, err := pipeline.DispatchJobTransformer(ctx, message("msg-5", `{"mode":"carrier-pigeon"}`))

		require.Error(t, err)
		assert.True(t, skip)
	})
}
