// Package engine turns dispatch requests into provider calls and folds the
// replies into a single result per request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-dispatch-service/internal/metrics"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-dispatch-service/internal/pool"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// MaxBatchSize is the provider's multicast ceiling.
const MaxBatchSize = 500

// Resolver hands out provider clients. *pool.Pool satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (*pool.Lease, error)
}

// HistoryWriter records the outcome of a request. *history.Recorder satisfies it.
type HistoryWriter interface {
	Record(ctx context.Context, operator string, result *dispatch.DispatchResult)
}

type Config struct {
	BatchSize       int
	ProviderTimeout time.Duration
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type Engine struct {
	resolver Resolver
	devices  dispatch.DeviceRepository
	history  HistoryWriter
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(resolver Resolver, devices dispatch.DeviceRepository, history HistoryWriter, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	e := &Engine{
		resolver: resolver,
		devices:  devices,
		history:  history,
		cfg:      cfg,
		logger:   logger.With("component", "DispatchEngine"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DispatchToDevice sends to a single registration token. A provider refusal is
// returned as *dispatch.ProviderRejectedError together with the failed result.
func (e *Engine) DispatchToDevice(ctx context.Context, req dispatch.DeviceRequest) (*dispatch.DispatchResult, error) {
	res := e.begin(dispatch.ModeDevice, req.Content, maskToken(req.Token), req.AccountID)
	if req.Token == "" {
		return e.fail(ctx, req.Operator, res, dispatch.ErrNoTargetsResolved)
	}

	lease, err := e.resolver.Resolve(ctx, req.AccountID)
	if err != nil {
		return e.fail(ctx, req.Operator, res, err)
	}
	defer lease.Release()
	e.bind(res, lease)

	msg := BuildMessage(req.Content)
	msg.Token = req.Token
	err = e.sendOne(ctx, lease, msg, res)

	if res.FailureCount > 0 && fcm.IsRegistrationInvalid(res.ErrorGroups[0].Code) {
		res.Deactivated = e.deactivate(ctx, []string{req.Token})
	}
	e.finish(ctx, req.Operator, res)
	return res, err
}

// DispatchToTopic sends once to a provider topic.
func (e *Engine) DispatchToTopic(ctx context.Context, req dispatch.TopicRequest) (*dispatch.DispatchResult, error) {
	res := e.begin(dispatch.ModeTopic, req.Content, req.Topic, req.AccountID)
	topic, err := dispatch.NormalizeTopic(req.Topic)
	if err != nil {
		return e.fail(ctx, req.Operator, res, err)
	}
	res.Target = topic

	lease, err := e.resolver.Resolve(ctx, req.AccountID)
	if err != nil {
		return e.fail(ctx, req.Operator, res, err)
	}
	defer lease.Release()
	e.bind(res, lease)

	msg := BuildMessage(req.Content)
	msg.Topic = topic
	err = e.sendOne(ctx, lease, msg, res)
	e.finish(ctx, req.Operator, res)
	return res, err
}

// DispatchBroadcast sends to the explicit targets, or to every active device
// when none are given. Partial failure is reported in the result, not as an
// error.
func (e *Engine) DispatchBroadcast(ctx context.Context, req dispatch.BroadcastRequest) (*dispatch.DispatchResult, error) {
	target := "all"
	if len(req.DeviceIDs) > 0 || len(req.Tokens) > 0 {
		target = fmt.Sprintf("explicit:%d", len(req.DeviceIDs)+len(req.Tokens))
	}
	res := e.begin(dispatch.ModeBroadcast, req.Content, target, req.AccountID)

	tokens, err := e.resolveTargets(ctx, req)
	if err != nil {
		return e.fail(ctx, req.Operator, res, err)
	}

	lease, err := e.resolver.Resolve(ctx, req.AccountID)
	if err != nil {
		return e.fail(ctx, req.Operator, res, err)
	}
	defer lease.Release()
	e.bind(res, lease)

	msg := BuildMessage(req.Content)
	agg := newAggregator()
	size := e.cfg.BatchSize

	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		chunk := tokens[start:end]
		res.Batches++

		br, err := e.sendBatch(ctx, lease, toMulticast(msg, chunk))
		if err != nil {
			e.logger.Warn("Batch failed; counting all its tokens as failed",
				"batch", res.Batches, "size", len(chunk), "account_id", lease.AccountID, "err", err)
			agg.failBatch(chunk, err)
			e.metrics.ObserveBatch(false)
			continue
		}
		agg.batch(chunk, br)
		e.metrics.ObserveBatch(true)
		e.logger.Debug("Batch sent", "batch", res.Batches, "success", br.SuccessCount, "failure", br.FailureCount)
	}

	agg.apply(res)
	e.metrics.ObserveTokens(res.SuccessCount, res.FailureCount)
	if len(agg.invalid) > 0 {
		res.Deactivated = e.deactivate(ctx, agg.invalid)
	}
	e.finish(ctx, req.Operator, res)
	return res, nil
}

func (e *Engine) resolveTargets(ctx context.Context, req dispatch.BroadcastRequest) ([]string, error) {
	var candidates []string

	if len(req.DeviceIDs) == 0 && len(req.Tokens) == 0 {
		devices, err := e.devices.ListActiveDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list active devices: %w", err)
		}
		for _, d := range devices {
			candidates = append(candidates, d.Token)
		}
	} else {
		if len(req.DeviceIDs) > 0 {
			devices, err := e.devices.GetDevices(ctx, req.DeviceIDs)
			if err != nil {
				return nil, fmt.Errorf("failed to load target devices: %w", err)
			}
			for _, d := range devices {
				if d.IsActive {
					candidates = append(candidates, d.Token)
				}
			}
		}
		candidates = append(candidates, req.Tokens...)
	}

	seen := make(map[string]struct{}, len(candidates))
	tokens := make([]string, 0, len(candidates))
	for _, t := range candidates {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	if len(tokens) == 0 {
		return nil, dispatch.ErrNoTargetsResolved
	}
	return tokens, nil
}

func (e *Engine) sendOne(ctx context.Context, lease *pool.Lease, msg *messaging.Message, res *dispatch.DispatchResult) error {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	agg := newAggregator()
	id, err := lease.Client.Send(sendCtx, msg)
	if err != nil {
		agg.fail(fcm.ErrorCode(err), err.Error(), msg.Token)
		agg.apply(res)
		e.logger.Warn("Provider rejected message", "mode", res.Mode, "target", res.Target, "err", err)
		return &dispatch.ProviderRejectedError{Code: res.ErrorGroups[0].Code, Message: err.Error(), Err: err}
	}
	agg.ok(id)
	agg.apply(res)
	return nil
}

func (e *Engine) sendBatch(ctx context.Context, lease *pool.Lease, mm *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()
	return lease.Client.SendEachForMulticast(sendCtx, mm)
}

func (e *Engine) deactivate(ctx context.Context, tokens []string) int {
	n, err := e.devices.DeactivateTokens(context.WithoutCancel(ctx), tokens)
	if err != nil {
		e.logger.Error("Failed to deactivate unregistered devices", "count", len(tokens), "err", err)
		return 0
	}
	e.metrics.ObserveDeactivated(n)
	e.logger.Info("Deactivated unregistered devices", "count", n)
	return n
}

func (e *Engine) begin(mode dispatch.Mode, c dispatch.Content, target, accountID string) *dispatch.DispatchResult {
	return &dispatch.DispatchResult{
		Mode:      mode,
		Title:     c.Title,
		Body:      c.Body,
		Target:    target,
		AccountID: accountID,
		StartedAt: e.now().UTC(),
	}
}

func (e *Engine) bind(res *dispatch.DispatchResult, lease *pool.Lease) {
	res.AccountID = lease.AccountID
	res.Policy = lease.Policy.String()
}

// fail closes a request that never reached the provider.
func (e *Engine) fail(ctx context.Context, operator string, res *dispatch.DispatchResult, err error) (*dispatch.DispatchResult, error) {
	res.Status = dispatch.StatusFailure
	res.FailureReason = err.Error()
	level := slog.LevelWarn
	var codecErr *dispatch.CodecError
	if errors.As(err, &codecErr) {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "Dispatch failed before sending", "mode", res.Mode, "account_id", res.AccountID, "err", err)
	e.finish(ctx, operator, res)
	return res, err
}

func (e *Engine) finish(ctx context.Context, operator string, res *dispatch.DispatchResult) {
	res.CompletedAt = e.now().UTC()
	e.metrics.ObserveDispatch(string(res.Mode), string(res.Status), res.CompletedAt.Sub(res.StartedAt))
	e.history.Record(ctx, operator, res)
	e.logger.Info("Dispatch completed",
		"mode", res.Mode, "target", res.Target, "account_id", res.AccountID, "policy", res.Policy,
		"status", res.Status, "success", res.SuccessCount, "failure", res.FailureCount, "batches", res.Batches)
}
