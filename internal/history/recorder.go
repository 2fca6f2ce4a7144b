// Package history writes the dispatch audit log.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Recorder appends one entry per top-level dispatch request.
type Recorder struct {
	repo   dispatch.HistoryRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(repo dispatch.HistoryRepository, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger.With("component", "HistoryRecorder"),
		now:    time.Now,
	}
}

// Record persists the result. A failed write is logged and never changes the
// outcome of the dispatch it describes.
func (r *Recorder) Record(ctx context.Context, operator string, result *dispatch.DispatchResult) {
	entry := &dispatch.HistoryEntry{
		ID:        uuid.NewString(),
		Operator:  operator,
		Result:    *result,
		CreatedAt: r.now().UTC(),
	}
	// The request may already be cancelled; the audit record is still owed.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := r.repo.AppendHistory(ctx, entry); err != nil {
		r.logger.Error("Failed to record dispatch history",
			"mode", result.Mode, "status", result.Status, "account_id", result.AccountID, "err", err)
	}
}

// List returns the newest entries first.
func (r *Recorder) List(ctx context.Context, limit int) ([]dispatch.HistoryEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return r.repo.ListHistory(ctx, limit)
}
