package subscription_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-dispatch-service/internal/pool"
	"github.com/tinywideclouds/go-dispatch-service/internal/storage/gormstore"
	"github.com/tinywideclouds/go-dispatch-service/internal/subscription"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

type MockMessaging struct {
	mock.Mock
}

func (m *MockMessaging) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func (m *MockMessaging) SendDryRun(ctx context.Context, msg *messaging.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func (m *MockMessaging) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(*messaging.BatchResponse), args.Error(1)
}

func (m *MockMessaging) SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error) {
	args := m.Called(ctx, tokens, topic)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*messaging.TopicManagementResponse), args.Error(1)
}

func (m *MockMessaging) UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error) {
	args := m.Called(ctx, tokens, topic)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*messaging.TopicManagementResponse), args.Error(1)
}

type staticResolver struct {
	lease *pool.Lease
}

func (r staticResolver) Resolve(_ context.Context, _ string) (*pool.Lease, error) {
	return r.lease, nil
}

func setup(t *testing.T, chunk int) (*subscription.Reconciler, *gormstore.Store, *MockMessaging) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := gormstore.Open("sqlite", ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mc := new(MockMessaging)
	resolver := staticResolver{lease: &pool.Lease{AccountID: "acc-1", Client: fcm.NewClient(mc, "proj", nil)}}
	r := subscription.New(resolver, store, subscription.Config{ChunkSize: chunk, ProviderTimeout: time.Second}, logger)
	return r, store, mc
}

func ok(n int) *messaging.TopicManagementResponse {
	return &messaging.TopicManagementResponse{SuccessCount: n}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("Subscribing twice keeps one topic and one row", func(t *testing.T) {
		r, store, mc := setup(t, 1000)
		device, err := store.RegisterDevice(ctx, "deadbeef", dispatch.PlatformAndroid)
		require.NoError(t, err)
		mc.On("SubscribeToTopic", mock.Anything, []string{"deadbeef"}, "news").Return(ok(1), nil).Twice()

		res, err := r.Subscribe(ctx, "", []string{"deadbeef"}, "news")
		require.NoError(t, err)
		assert.Equal(t, 1, res.SuccessCount)
		assert.Equal(t, 1, res.Synced)

		topic, err := store.GetTopicByName(ctx, "news")
		require.NoError(t, err)
		first, err := store.GetSubscription(ctx, topic.ID, device.ID)
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		_, err = r.Subscribe(ctx, "", []string{"deadbeef"}, "/topics/news")
		require.NoError(t, err)

		topics, err := store.ListTopics(ctx)
		require.NoError(t, err)
		assert.Len(t, topics, 1)

		subs, err := store.ListSubscriptions(ctx, topic.ID)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.True(t, subs[0].IsActive)
		assert.True(t, subs[0].SubscribedAt.After(first.SubscribedAt))
		mc.AssertExpectations(t)
	})

	t.Run("Unknown tokens are reported as not synced", func(t *testing.T) {
		r, store, mc := setup(t, 1000)
		_, err := store.RegisterDevice(ctx, "known", dispatch.PlatformWeb)
		require.NoError(t, err)
		mc.On("SubscribeToTopic", mock.Anything, []string{"known", "stranger"}, "news").Return(ok(2), nil).Once()

		res, err := r.Subscribe(ctx, "", []string{"known", "stranger", "known"}, "news")

		require.NoError(t, err)
		assert.Equal(t, 1, res.Synced)
		assert.Equal(t, 1, res.NotSynced)
	})

	t.Run("Local rows ignore per-token provider failures", func(t *testing.T) {
		r, store, mc := setup(t, 1000)
		_, err := store.RegisterDevice(ctx, "a", dispatch.PlatformAndroid)
		require.NoError(t, err)
		_, err = store.RegisterDevice(ctx, "b", dispatch.PlatformAndroid)
		require.NoError(t, err)
		mc.On("SubscribeToTopic", mock.Anything, []string{"a", "b"}, "news").Return(&messaging.TopicManagementResponse{
			SuccessCount: 1, FailureCount: 1,
			Errors: []*messaging.ErrorInfo{{Index: 1, Reason: "invalid-registration-token"}},
		}, nil).Once()

		res, err := r.Subscribe(ctx, "", []string{"a", "b"}, "news")

		require.NoError(t, err)
		assert.Equal(t, 1, res.FailureCount)
		assert.Equal(t, 2, res.Synced)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, "invalid-registration-token", res.Errors[0].Code)
	})

	t.Run("A failed chunk is counted and skips local writes", func(t *testing.T) {
		r, store, mc := setup(t, 2)
		for _, tok := range []string{"a", "b", "c"} {
			_, err := store.RegisterDevice(ctx, tok, dispatch.PlatformAndroid)
			require.NoError(t, err)
		}
		mc.On("SubscribeToTopic", mock.Anything, []string{"a", "b"}, "news").Return(nil, errors.New("connection reset")).Once()
		mc.On("SubscribeToTopic", mock.Anything, []string{"c"}, "news").Return(ok(1), nil).Once()

		res, err := r.Subscribe(ctx, "", []string{"a", "b", "c"}, "news")

		require.NoError(t, err)
		assert.Equal(t, 1, res.SuccessCount)
		assert.Equal(t, 2, res.FailureCount)
		assert.Equal(t, 1, res.Synced)
		assert.Equal(t, fcm.CodeTransport, res.Errors[0].Code)
	})

	t.Run("All chunks failing is an error", func(t *testing.T) {
		r, _, mc := setup(t, 1000)
		mc.On("SubscribeToTopic", mock.Anything, mock.Anything, "news").Return(nil, errors.New("unauthorized")).Once()

		_, err := r.Subscribe(ctx, "", []string{"a"}, "news")

		assert.Error(t, err)
	})

	t.Run("Concurrent first subscribes create one topic", func(t *testing.T) {
		r, store, mc := setup(t, 1000)
		mc.On("SubscribeToTopic", mock.Anything, mock.Anything, "launch").Return(ok(1), nil)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := r.Subscribe(ctx, "", []string{fmt.Sprintf("tok-%d", i)}, "launch")
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		topics, err := store.ListTopics(ctx)
		require.NoError(t, err)
		assert.Len(t, topics, 1)
	})

	t.Run("Invalid input", func(t *testing.T) {
		r, _, _ := setup(t, 1000)

		_, err := r.Subscribe(ctx, "", []string{"a"}, "bad topic")
		assert.ErrorIs(t, err, dispatch.ErrInvalidTopic)

		_, err = r.Subscribe(ctx, "", nil, "news")
		assert.ErrorIs(t, err, dispatch.ErrNoTargetsResolved)
	})
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("Without a prior subscription it is a no-op", func(t *testing.T) {
		r, store, mc := setup(t, 1000)
		_, err := store.RegisterDevice(ctx, "deadbeef", dispatch.PlatformAndroid)
		require.NoError(t, err)
		require.NoError(t, store.CreateTopic(ctx, &dispatch.Topic{ID: dispatch.TopicID("news"), Name: "news", IsActive: true, CreatedAt: time.Now()}))
		mc.On("UnsubscribeFromTopic", mock.Anything, []string{"deadbeef"}, "news").Return(ok(1), nil).Once()

		res, err := r.Unsubscribe(ctx, "", []string{"deadbeef"}, "news")

		require.NoError(t, err)
		assert.Equal(t, 1, res.Synced)
		subs, err := store.ListSubscriptions(ctx, dispatch.TopicID("news"))
		require.NoError(t, err)
		assert.Empty(t, subs)
	})

	t.Run("Marks an active subscription inactive", func(t *testing.T) {
		r, store, mc := setup(t, 1000)
		_, err := store.RegisterDevice(ctx, "deadbeef", dispatch.PlatformAndroid)
		require.NoError(t, err)
		mc.On("SubscribeToTopic", mock.Anything, mock.Anything, "news").Return(ok(1), nil).Once()
		mc.On("UnsubscribeFromTopic", mock.Anything, mock.Anything, "news").Return(ok(1), nil).Once()
		_, err = r.Subscribe(ctx, "", []string{"deadbeef"}, "news")
		require.NoError(t, err)

		_, err = r.Unsubscribe(ctx, "", []string{"deadbeef"}, "news")
		require.NoError(t, err)

		subs, err := r.Subscriptions(ctx, "news")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.False(t, subs[0].IsActive)
		assert.NotNil(t, subs[0].UnsubscribedAt)
	})

	t.Run("Unknown topic still reaches the provider", func(t *testing.T) {
		r, store, mc := setup(t, 1000)
		mc.On("UnsubscribeFromTopic", mock.Anything, []string{"x"}, "ghost").Return(ok(1), nil).Once()

		res, err := r.Unsubscribe(ctx, "", []string{"x"}, "ghost")

		require.NoError(t, err)
		assert.Equal(t, 1, res.SuccessCount)
		topics, err := store.ListTopics(ctx)
		require.NoError(t, err)
		assert.Empty(t, topics)
		mc.AssertExpectations(t)
	})
}
