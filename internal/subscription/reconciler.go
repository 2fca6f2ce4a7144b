// Package subscription changes provider topic membership and keeps the local
// subscription mirror in step with it.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-dispatch-service/internal/engine"
	"github.com/tinywideclouds/go-dispatch-service/internal/metrics"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// MaxChunkSize is the provider's limit on tokens per topic management call.
const MaxChunkSize = 1000

// Records is the slice of the record store the reconciler works on.
type Records interface {
	dispatch.TopicRepository
	dispatch.SubscriptionRepository
	GetDeviceByToken(ctx context.Context, token string) (*dispatch.Device, error)
}

type Config struct {
	ChunkSize       int
	ProviderTimeout time.Duration
}

type Option func(*Reconciler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

type Reconciler struct {
	resolver engine.Resolver
	records  Records
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(resolver engine.Resolver, records Records, cfg Config, logger *slog.Logger, opts ...Option) *Reconciler {
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	r := &Reconciler{
		resolver: resolver,
		records:  records,
		cfg:      cfg,
		logger:   logger.With("component", "SubscriptionReconciler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type topicCall func(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)

// Subscribe adds tokens to a topic at the provider, creating the local topic
// on first use, then records a subscription for every token it knows locally.
// Local rows are written for every token of an accepted call, whatever the
// provider's per-token verdict.
func (r *Reconciler) Subscribe(ctx context.Context, accountID string, tokens []string, topic string) (*dispatch.SubscriptionResult, error) {
	name, tokens, err := prepare(topic, tokens)
	if err != nil {
		return nil, err
	}
	t, err := r.ensureTopic(ctx, name)
	if err != nil {
		return nil, err
	}
	lease, err := r.resolver.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	res, err := r.run(ctx, lease.Client.SubscribeToTopic, tokens, name, func(token string) bool {
		return r.markSubscribed(ctx, t.ID, token)
	})
	r.metrics.ObserveReconcile("subscribe", res.Synced, res.NotSynced)
	r.logger.Info("Subscribe completed", "topic", name, "account_id", lease.AccountID,
		"success", res.SuccessCount, "failure", res.FailureCount, "synced", res.Synced, "not_synced", res.NotSynced)
	return res, err
}

// Unsubscribe removes tokens from a topic at the provider and marks any
// matching local subscriptions inactive. A topic unknown locally still reaches
// the provider.
func (r *Reconciler) Unsubscribe(ctx context.Context, accountID string, tokens []string, topic string) (*dispatch.SubscriptionResult, error) {
	name, tokens, err := prepare(topic, tokens)
	if err != nil {
		return nil, err
	}
	t, err := r.records.GetTopicByName(ctx, name)
	if err != nil && !errors.Is(err, dispatch.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up topic %q: %w", name, err)
	}
	lease, err := r.resolver.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	res, err := r.run(ctx, lease.Client.UnsubscribeFromTopic, tokens, name, func(token string) bool {
		if t == nil {
			return true
		}
		return r.markUnsubscribed(ctx, t.ID, token)
	})
	r.metrics.ObserveReconcile("unsubscribe", res.Synced, res.NotSynced)
	r.logger.Info("Unsubscribe completed", "topic", name, "account_id", lease.AccountID,
		"success", res.SuccessCount, "failure", res.FailureCount, "synced", res.Synced, "not_synced", res.NotSynced)
	return res, err
}

// run issues the provider call chunk by chunk and applies sync to each token of
// every chunk the provider accepted. It fails only when no chunk got through.
func (r *Reconciler) run(ctx context.Context, call topicCall, tokens []string, topic string, sync func(token string) bool) (*dispatch.SubscriptionResult, error) {
	res := &dispatch.SubscriptionResult{Topic: topic}
	groups := newGroups()
	var lastErr error
	accepted := 0

	for start := 0; start < len(tokens); start += r.cfg.ChunkSize {
		chunk := tokens[start:min(start+r.cfg.ChunkSize, len(tokens))]

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
		resp, err := call(callCtx, chunk, topic)
		cancel()

		if err != nil {
			code := fcm.CodeTransport
			if fcm.ErrorCode(err) == fcm.CodeTimeout {
				code = fcm.CodeTimeout
			}
			r.logger.Warn("Topic management call failed", "topic", topic, "size", len(chunk), "err", err)
			res.FailureCount += len(chunk)
			groups.add(code, err.Error(), len(chunk))
			lastErr = err
			continue
		}
		accepted++

		res.SuccessCount += resp.SuccessCount
		res.FailureCount += resp.FailureCount
		for _, e := range resp.Errors {
			if e == nil {
				continue
			}
			groups.add(e.Reason, e.Reason, 1)
		}

		for _, token := range chunk {
			if sync(token) {
				res.Synced++
			} else {
				res.NotSynced++
			}
		}
	}

	res.Errors = groups.list()
	if accepted == 0 && lastErr != nil {
		return res, fmt.Errorf("topic %q: %w", topic, lastErr)
	}
	return res, nil
}

func (r *Reconciler) ensureTopic(ctx context.Context, name string) (*dispatch.Topic, error) {
	t, err := r.records.GetTopicByName(ctx, name)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, dispatch.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up topic %q: %w", name, err)
	}

	t = &dispatch.Topic{ID: dispatch.TopicID(name), Name: name, IsActive: true, CreatedAt: r.now().UTC()}
	err = r.records.CreateTopic(ctx, t)
	if errors.Is(err, dispatch.ErrAlreadyExists) {
		// Created concurrently by another call.
		return r.records.GetTopicByName(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create topic %q: %w", name, err)
	}
	r.logger.Info("Topic created", "topic", name)
	return t, nil
}

func (r *Reconciler) markSubscribed(ctx context.Context, topicID, token string) bool {
	device, ok := r.lookupDevice(ctx, token)
	if !ok {
		return false
	}
	sub, err := r.records.GetSubscription(ctx, topicID, device.ID)
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		sub = &dispatch.Subscription{
			ID:       dispatch.SubscriptionID(topicID, device.ID),
			TopicID:  topicID,
			DeviceID: device.ID,
		}
	case err != nil:
		r.logger.Warn("Failed to read subscription", "device_id", device.ID, "err", err)
		return false
	}
	sub.IsActive = true
	sub.SubscribedAt = r.now().UTC()
	sub.UnsubscribedAt = nil
	if err := r.records.SaveSubscription(ctx, sub); err != nil {
		r.logger.Warn("Failed to save subscription", "device_id", device.ID, "err", err)
		return false
	}
	return true
}

func (r *Reconciler) markUnsubscribed(ctx context.Context, topicID, token string) bool {
	device, ok := r.lookupDevice(ctx, token)
	if !ok {
		return false
	}
	sub, err := r.records.GetSubscription(ctx, topicID, device.ID)
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		return true
	case err != nil:
		r.logger.Warn("Failed to read subscription", "device_id", device.ID, "err", err)
		return false
	case !sub.IsActive:
		return true
	}
	at := r.now().UTC()
	sub.IsActive = false
	sub.UnsubscribedAt = &at
	if err := r.records.SaveSubscription(ctx, sub); err != nil {
		r.logger.Warn("Failed to save subscription", "device_id", device.ID, "err", err)
		return false
	}
	return true
}

func (r *Reconciler) lookupDevice(ctx context.Context, token string) (*dispatch.Device, bool) {
	device, err := r.records.GetDeviceByToken(ctx, token)
	if err != nil {
		if !errors.Is(err, dispatch.ErrNotFound) {
			r.logger.Warn("Failed to look up device", "err", err)
		}
		return nil, false
	}
	return device, true
}

// Topics lists the local topic mirror.
func (r *Reconciler) Topics(ctx context.Context) ([]dispatch.Topic, error) {
	return r.records.ListTopics(ctx)
}

// Subscriptions lists the local subscription rows of a topic.
func (r *Reconciler) Subscriptions(ctx context.Context, topic string) ([]dispatch.Subscription, error) {
	name, err := dispatch.NormalizeTopic(topic)
	if err != nil {
		return nil, err
	}
	t, err := r.records.GetTopicByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.records.ListSubscriptions(ctx, t.ID)
}

// DeleteTopic drops the local topic and its subscription rows. Provider-side
// membership is untouched.
func (r *Reconciler) DeleteTopic(ctx context.Context, topic string) error {
	name, err := dispatch.NormalizeTopic(topic)
	if err != nil {
		return err
	}
	t, err := r.records.GetTopicByName(ctx, name)
	if err != nil {
		return err
	}
	return r.records.DeleteTopic(ctx, t.ID)
}

func prepare(topic string, tokens []string) (string, []string, error) {
	name, err := dispatch.NormalizeTopic(topic)
	if err != nil {
		return "", nil, err
	}
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return "", nil, dispatch.ErrNoTargetsResolved
	}
	return name, out, nil
}

type errorGroups struct {
	byCode map[string]*dispatch.ErrorGroup
	order  []string
}

func newGroups() *errorGroups {
	return &errorGroups{byCode: make(map[string]*dispatch.ErrorGroup)}
}

func (g *errorGroups) add(code, message string, n int) {
	eg, ok := g.byCode[code]
	if !ok {
		eg = &dispatch.ErrorGroup{Code: code, Message: message}
		g.byCode[code] = eg
		g.order = append(g.order, code)
	}
	eg.Count += n
}

func (g *errorGroups) list() []dispatch.ErrorGroup {
	out := make([]dispatch.ErrorGroup, 0, len(g.order))
	for _, code := range g.order {
		out = append(out, *g.byCode[code])
	}
	return out
}
