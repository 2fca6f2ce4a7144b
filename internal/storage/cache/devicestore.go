// Package cache adds read-aside caching of the active device set in front of a
// record store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// ErrMiss is returned by a CacheClient when the key is absent.
var ErrMiss = errors.New("cache miss")

// CacheClient defines the subset of cache commands we need.
type CacheClient interface {
	// Get decodes the value into dest, or returns ErrMiss.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

const activeDevicesKey = "dispatch:devices:active"

// CachedDeviceStore decorates a DeviceRepository. The full active device list
// is cached; every write that can change it invalidates the key.
type CachedDeviceStore struct {
	realStore dispatch.DeviceRepository
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedDeviceStore(realStore dispatch.DeviceRepository, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedDeviceStore {
	return &CachedDeviceStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedDeviceStore"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedDeviceStore) ListActiveDevices(ctx context.Context) ([]dispatch.Device, error) {
	var cached []dispatch.Device
	err := s.cache.Get(ctx, activeDevicesKey, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrMiss) {
		s.logger.Warn("Cache read failed; falling back to store", "err", err)
	}

	fresh, err := s.realStore.ListActiveDevices(ctx)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; a failed write only costs the next read.
	if err := s.cache.Set(ctx, activeDevicesKey, fresh, s.ttl); err != nil {
		s.logger.Warn("Cache write failed", "err", err)
	}
	return fresh, nil
}

func (s *CachedDeviceStore) GetDeviceByToken(ctx context.Context, token string) (*dispatch.Device, error) {
	return s.realStore.GetDeviceByToken(ctx, token)
}

func (s *CachedDeviceStore) GetDevices(ctx context.Context, ids []string) ([]dispatch.Device, error) {
	return s.realStore.GetDevices(ctx, ids)
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedDeviceStore) RegisterDevice(ctx context.Context, token string, platform dispatch.Platform) (*dispatch.Device, error) {
	d, err := s.realStore.RegisterDevice(ctx, token, platform)
	if err != nil {
		return nil, err
	}
	return d, s.invalidate(ctx)
}

// DeactivateTokens must clear the cache so the next broadcast stops reaching
// dead tokens immediately.
func (s *CachedDeviceStore) DeactivateTokens(ctx context.Context, tokens []string) (int, error) {
	n, err := s.realStore.DeactivateTokens(ctx, tokens)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.invalidate(ctx)
}

func (s *CachedDeviceStore) invalidate(ctx context.Context) error {
	if err := s.cache.Del(ctx, activeDevicesKey); err != nil {
		return fmt.Errorf("failed to invalidate device cache: %w", err)
	}
	return nil
}

var _ dispatch.DeviceRepository = (*CachedDeviceStore)(nil)
