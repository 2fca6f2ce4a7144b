//go:build integration

package dispatchservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-dispatch-service/dispatchservice"
	"github.com/tinywideclouds/go-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-dispatch-service/internal/pipeline"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// recordingDispatcher counts the jobs that reach the engine.
type recordingDispatcher struct {
	mu     sync.Mutex
	topics []dispatch.TopicRequest
	calls  int
}

func (d *recordingDispatcher) DispatchToDevice(_ context.Context, _ dispatch.DeviceRequest) (*dispatch.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return &dispatch.DispatchResult{Status: dispatch.StatusSuccess}, nil
}

func (d *recordingDispatcher) DispatchToTopic(_ context.Context, req dispatch.TopicRequest) (*dispatch.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.topics = append(d.topics, req)
	return &dispatch.DispatchResult{Status: dispatch.StatusSuccess, SuccessCount: 1}, nil
}

func (d *recordingDispatcher) DispatchBroadcast(_ context.Context, _ dispatch.BroadcastRequest) (*dispatch.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return &dispatch.DispatchResult{Status: dispatch.StatusSuccess}, nil
}

func (d *recordingDispatcher) snapshot() (int, []dispatch.TopicRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls, append([]dispatch.TopicRequest(nil), d.topics...)
}

func noopAuth(h http.Handler) http.Handler { return h }

func startService(t *testing.T, ctx context.Context, psClient *pubsub.Client, subID string, d *recordingDispatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	consumer, err := messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subID), psClient, logger,
	)
	require.NoError(t, err)

	cfg := &config.Config{ListenAddr: ":0", Queue: config.QueueConfig{Enabled: true, NumWorkers: 2}}
	svc, err := dispatchservice.New(cfg, consumer, dispatchservice.Dependencies{Dispatcher: d}, noopAuth, logger)
	require.NoError(t, err)

	svcCtx, svcCancel := context.WithCancel(ctx)
	t.Cleanup(svcCancel)
	go func() {
		if err := svc.Start(svcCtx); err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("service.Start() returned an error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
}

func TestDispatchService_QueuedJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	projectID := "test-project-integ"
	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	topicID := "dispatch-jobs-" + uuid.NewString()
	subID := topicID + "-sub"
	createPubsubResources(t, ctx, psClient, projectID, topicID, subID, nil)

	d := &recordingDispatcher{}
	startService(t, ctx, psClient, subID, d)

	job := pipeline.DispatchJob{
		Mode:    dispatch.ModeTopic,
		Topic:   "/topics/news",
		Content: dispatch.Content{Title: "Hello"},
	}
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	_, err = psClient.Publisher(topicID).Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		calls, _ := d.snapshot()
		return calls == 1
	}, 10*time.Second, 100*time.Millisecond)

	_, topics := d.snapshot()
	assert.Equal(t, "/topics/news", topics[0].Topic)
	assert.Equal(t, pipeline.QueueOperator, topics[0].Operator)
}

func TestDispatchService_PoisonPill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	projectID := "test-project-dlq"
	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	runID := uuid.NewString()
	dlqTopicID := "dispatch-dlq-" + runID
	mainTopicID := "dispatch-main-" + runID
	createPubsubResources(t, ctx, psClient, projectID, dlqTopicID, dlqTopicID+"-sub", nil)
	createPubsubResources(t, ctx, psClient, projectID, mainTopicID, mainTopicID+"-sub", &pubsubpb.DeadLetterPolicy{
		DeadLetterTopic:     fmt.Sprintf("projects/%s/topics/%s", projectID, dlqTopicID),
		MaxDeliveryAttempts: 5,
	})

	d := &recordingDispatcher{}
	startService(t, ctx, psClient, mainTopicID+"-sub", d)

	// A job that is valid JSON but addresses nothing.
	poisonPayload := []byte(`{"mode":"device"}`)
	_, err = psClient.Publisher(mainTopicID).Publish(ctx, &pubsub.Message{Data: poisonPayload}).Get(ctx)
	require.NoError(t, err)

	var receivedMsg *pubsub.Message
	rctx, rcancel := context.WithTimeout(ctx, 30*time.Second)
	defer rcancel()
	err = psClient.Subscriber(dlqTopicID+"-sub").Receive(rctx, func(_ context.Context, msg *pubsub.Message) {
		msg.Ack()
		receivedMsg = msg
		rcancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("DLQ Receive returned an unexpected error: %v", err)
	}

	require.NotNil(t, receivedMsg, "Did not receive message on the DLQ subscription")
	assert.Equal(t, poisonPayload, receivedMsg.Data)
	calls, _ := d.snapshot()
	assert.Zero(t, calls, "Dispatcher should not be called for an invalid job")
}

func createPubsubResources(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, subID string, dlq *pubsubpb.DeadLetterPolicy) {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicName})
	})

	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	sub := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy:   dlq,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.SubscriptionAdminClient.DeleteSubscription(context.Background(), &pubsubpb.DeleteSubscriptionRequest{Subscription: subName})
	})
}
