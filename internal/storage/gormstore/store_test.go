package gormstore_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-dispatch-service/internal/storage/gormstore"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

func newTestStore(t *testing.T) *gormstore.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := gormstore.Open("sqlite", ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func account(id, name string, isDefault bool) *dispatch.Account {
	now := time.Now().UTC()
	return &dispatch.Account{
		ID: id, DisplayName: name, ProjectID: "proj-" + id, ServiceEmail: id + "@sa",
		EncryptedSecret: "v1:sealed", IsDefault: isDefault, IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()

	t.Run("Concurrent default upserts leave exactly one default", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.SaveAccount(ctx, account("a", "A", false)))
		require.NoError(t, store.SaveAccount(ctx, account("b", "B", false)))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			id := "a"
			if i%2 == 1 {
				id = "b"
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				assert.NoError(t, store.SaveAccount(ctx, account(id, displayName(id), true)))
			}(id)
		}
		wg.Wait()

		accounts, err := store.ListActiveAccounts(ctx)
		require.NoError(t, err)
		defaults := 0
		for _, a := range accounts {
			if a.IsDefault {
				defaults++
			}
		}
		assert.Equal(t, 1, defaults)
	})

	t.Run("Reopening a migrated database keeps default changes working", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		dsn := filepath.Join(t.TempDir(), "dispatch.db")

		first, err := gormstore.Open("sqlite", dsn, logger)
		require.NoError(t, err)
		require.NoError(t, first.SaveAccount(ctx, account("a", "A", true)))
		require.NoError(t, first.Close())

		second, err := gormstore.Open("sqlite", dsn, logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = second.Close() })
		require.NoError(t, second.SaveAccount(ctx, account("b", "B", true)))

		def, err := second.FindDefaultAccount(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b", def.ID)
		a, err := second.GetAccount(ctx, "a")
		require.NoError(t, err)
		assert.False(t, a.IsDefault)
	})

	t.Run("Display names are unique", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.SaveAccount(ctx, account("a", "Tenant", false)))

		err := store.SaveAccount(ctx, account("b", "Tenant", false))

		assert.ErrorIs(t, err, dispatch.ErrDuplicateName)
	})

	t.Run("Accounts without names do not collide", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.SaveAccount(ctx, account("a", "", false)))
		require.NoError(t, store.SaveAccount(ctx, account("b", "", false)))
	})

	t.Run("Default lookup ignores inactive accounts", func(t *testing.T) {
		store := newTestStore(t)
		acc := account("a", "A", true)
		acc.IsActive = false
		require.NoError(t, store.SaveAccount(ctx, acc))

		_, err := store.FindDefaultAccount(ctx)

		assert.ErrorIs(t, err, dispatch.ErrNotFound)
	})

	t.Run("Update keeps the row and touch sets last use", func(t *testing.T) {
		store := newTestStore(t)
		acc := account("a", "A", false)
		require.NoError(t, store.SaveAccount(ctx, acc))
		acc.ProjectID = "proj-new"
		require.NoError(t, store.SaveAccount(ctx, acc))
		require.NoError(t, store.TouchAccount(ctx, "a", time.Now()))

		got, err := store.GetAccount(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "proj-new", got.ProjectID)
		assert.Equal(t, "v1:sealed", got.EncryptedSecret)
		assert.NotNil(t, got.LastUsedAt)
	})

	t.Run("Delete", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.SaveAccount(ctx, account("a", "A", false)))

		require.NoError(t, store.DeleteAccount(ctx, "a"))
		_, err := store.GetAccount(ctx, "a")
		assert.ErrorIs(t, err, dispatch.ErrNotFound)
		assert.ErrorIs(t, store.DeleteAccount(ctx, "a"), dispatch.ErrNotFound)
	})
}

func displayName(id string) string { return "Tenant " + id }

func TestDevices(t *testing.T) {
	ctx := context.Background()

	t.Run("Registration is idempotent per token", func(t *testing.T) {
		store := newTestStore(t)

		first, err := store.RegisterDevice(ctx, "tok-1", dispatch.PlatformAndroid)
		require.NoError(t, err)
		_, err = store.DeactivateTokens(ctx, []string{"tok-1"})
		require.NoError(t, err)

		second, err := store.RegisterDevice(ctx, "tok-1", dispatch.PlatformAndroid)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.True(t, second.IsActive)
		assert.False(t, second.LastSeenAt.Before(first.LastSeenAt))

		devices, err := store.ListActiveDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, devices, 1)
	})

	t.Run("Deactivation only touches the named tokens", func(t *testing.T) {
		store := newTestStore(t)
		for i := 0; i < 3; i++ {
			_, err := store.RegisterDevice(ctx, fmt.Sprintf("tok-%d", i), dispatch.PlatformWeb)
			require.NoError(t, err)
		}

		n, err := store.DeactivateTokens(ctx, []string{"tok-1", "unknown"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		devices, err := store.ListActiveDevices(ctx)
		require.NoError(t, err)
		require.Len(t, devices, 2)
		for _, d := range devices {
			assert.NotEqual(t, "tok-1", d.Token)
		}
	})

	t.Run("Lookup by id and token", func(t *testing.T) {
		store := newTestStore(t)
		d, err := store.RegisterDevice(ctx, "tok-1", dispatch.PlatformIOS)
		require.NoError(t, err)

		got, err := store.GetDevices(ctx, []string{d.ID, "missing"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, dispatch.PlatformIOS, got[0].Platform)

		_, err = store.GetDeviceByToken(ctx, "missing")
		assert.ErrorIs(t, err, dispatch.ErrNotFound)
	})
}

func TestTopicsAndSubscriptions(t *testing.T) {
	ctx := context.Background()

	t.Run("Duplicate topic names are rejected", func(t *testing.T) {
		store := newTestStore(t)
		topic := &dispatch.Topic{ID: dispatch.TopicID("news"), Name: "news", IsActive: true, CreatedAt: time.Now()}
		require.NoError(t, store.CreateTopic(ctx, topic))

		err := store.CreateTopic(ctx, topic)

		assert.ErrorIs(t, err, dispatch.ErrAlreadyExists)
	})

	t.Run("Deleting a topic removes its subscriptions", func(t *testing.T) {
		store := newTestStore(t)
		topic := &dispatch.Topic{ID: dispatch.TopicID("news"), Name: "news", IsActive: true, CreatedAt: time.Now()}
		require.NoError(t, store.CreateTopic(ctx, topic))
		d, err := store.RegisterDevice(ctx, "tok-1", dispatch.PlatformAndroid)
		require.NoError(t, err)
		require.NoError(t, store.SaveSubscription(ctx, &dispatch.Subscription{
			ID: dispatch.SubscriptionID(topic.ID, d.ID), TopicID: topic.ID, DeviceID: d.ID,
			IsActive: true, SubscribedAt: time.Now(),
		}))

		require.NoError(t, store.DeleteTopic(ctx, topic.ID))

		subs, err := store.ListSubscriptions(ctx, topic.ID)
		require.NoError(t, err)
		assert.Empty(t, subs)
		_, err = store.GetTopicByName(ctx, "news")
		assert.ErrorIs(t, err, dispatch.ErrNotFound)
	})

	t.Run("Saving a subscription twice updates one row", func(t *testing.T) {
		store := newTestStore(t)
		sub := &dispatch.Subscription{ID: "s1", TopicID: "t1", DeviceID: "d1", IsActive: true, SubscribedAt: time.Now()}
		require.NoError(t, store.SaveSubscription(ctx, sub))
		off := time.Now()
		sub.IsActive = false
		sub.UnsubscribedAt = &off
		require.NoError(t, store.SaveSubscription(ctx, sub))

		subs, err := store.ListSubscriptions(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.False(t, subs[0].IsActive)
		assert.NotNil(t, subs[0].UnsubscribedAt)
	})
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendHistory(ctx, &dispatch.HistoryEntry{
			ID:        fmt.Sprintf("h%d", i),
			Operator:  "ops",
			Result:    dispatch.DispatchResult{Mode: dispatch.ModeBroadcast, Status: dispatch.StatusSuccess, SuccessCount: i},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := store.ListHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "h2", entries[0].ID)
	assert.Equal(t, 2, entries[0].Result.SuccessCount)
	assert.Equal(t, dispatch.ModeBroadcast, entries[0].Result.Mode)
}
