// Package gormstore is the SQL record store backend, on Postgres in production
// and SQLite for local runs and tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

const deactivateChunk = 500

// Store implements dispatch.Store over gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects with the named driver ("postgres" or "sqlite") and migrates
// the schema.
func Open(driver, dsn string, log *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}

	if driver == "sqlite" {
		// SQLite allows one writer; a single connection also keeps an
		// in-memory database alive for the life of the store.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, log)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(
		&accountRow{},
		&accountLockRow{},
		&deviceRow{},
		&topicRow{},
		&subscriptionRow{},
		&historyRow{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&accountLockRow{ID: defaultLockID}).Error; err != nil {
		return nil, fmt.Errorf("failed to seed account lock: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.With("component", "GormStore"),
		now:    time.Now,
	}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return dispatch.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return dispatch.ErrAlreadyExists
	default:
		return err
	}
}

// --- Accounts ---

func (s *Store) GetAccount(ctx context.Context, id string) (*dispatch.Account, error) {
	var row accountRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	acc := row.toDomain()
	return &acc, nil
}

// lockDefaultSlot takes the row lock that serializes default changes. Under
// READ COMMITTED the UPDATE that follows it sees any default committed by a
// competing writer. SQLite drops the locking clause and serializes writers on
// its own.
func lockDefaultSlot(tx *gorm.DB) *gorm.DB {
	var lock accountLockRow
	return tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id = ?", defaultLockID).
		Find(&lock)
}

func (s *Store) SaveAccount(ctx context.Context, acc *dispatch.Account) error {
	row := newAccountRow(acc)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if acc.IsDefault {
			if err := lockDefaultSlot(tx).Error; err != nil {
				return fmt.Errorf("failed to lock default slot: %w", err)
			}
			if err := tx.Model(&accountRow{}).
				Where("id <> ? AND is_default = ?", acc.ID, true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(row).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("account %q: %w", acc.DisplayName, dispatch.ErrDuplicateName)
	}
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", acc.ID, err)
	}
	return nil
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]dispatch.Account, error) {
	var rows []accountRow
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]dispatch.Account, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (s *Store) FindDefaultAccount(ctx context.Context) (*dispatch.Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).
		Where("is_default = ? AND is_active = ?", true, true).
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	acc := row.toDomain()
	return &acc, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&accountRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (s *Store) TouchAccount(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&accountRow{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", at).Error
}

// --- Devices ---

func (s *Store) RegisterDevice(ctx context.Context, token string, platform dispatch.Platform) (*dispatch.Device, error) {
	now := s.now().UTC()
	var out deviceRow

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&out, "token = ?", token).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = deviceRow{
				ID:         dispatch.DeviceID(token, platform),
				Token:      token,
				Platform:   string(platform),
				IsActive:   true,
				LastSeenAt: now,
				CreatedAt:  now,
			}
			return tx.Create(&out).Error
		}
		if err != nil {
			return err
		}
		out.Platform = string(platform)
		out.IsActive = true
		out.LastSeenAt = now
		return tx.Model(&deviceRow{}).Where("id = ?", out.ID).Updates(map[string]any{
			"platform":     out.Platform,
			"is_active":    true,
			"last_seen_at": now,
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a race with a concurrent registration of the same token.
		return s.RegisterDevice(ctx, token, platform)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	d := out.toDomain()
	return &d, nil
}

func (s *Store) GetDeviceByToken(ctx context.Context, token string) (*dispatch.Device, error) {
	var row deviceRow
	if err := s.db.WithContext(ctx).First(&row, "token = ?", token).Error; err != nil {
		return nil, translate(err)
	}
	d := row.toDomain()
	return &d, nil
}

func (s *Store) GetDevices(ctx context.Context, ids []string) ([]dispatch.Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []deviceRow
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDevices(rows), nil
}

func (s *Store) ListActiveDevices(ctx context.Context) ([]dispatch.Device, error) {
	var rows []deviceRow
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDevices(rows), nil
}

func (s *Store) DeactivateTokens(ctx context.Context, tokens []string) (int, error) {
	total := 0
	for start := 0; start < len(tokens); start += deactivateChunk {
		chunk := tokens[start:min(start+deactivateChunk, len(tokens))]
		res := s.db.WithContext(ctx).Model(&deviceRow{}).
			Where("token IN ? AND is_active = ?", chunk, true).
			Update("is_active", false)
		if res.Error != nil {
			return total, fmt.Errorf("failed to deactivate devices: %w", res.Error)
		}
		total += int(res.RowsAffected)
	}
	return total, nil
}

func toDevices(rows []deviceRow) []dispatch.Device {
	out := make([]dispatch.Device, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out
}

// --- Topics ---

func (s *Store) CreateTopic(ctx context.Context, topic *dispatch.Topic) error {
	row := &topicRow{ID: topic.ID, Name: topic.Name, IsActive: topic.IsActive, CreatedAt: topic.CreatedAt}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("topic %q: %w", topic.Name, translate(err))
	}
	return nil
}

func (s *Store) GetTopicByName(ctx context.Context, name string) (*dispatch.Topic, error) {
	var row topicRow
	if err := s.db.WithContext(ctx).First(&row, "name = ?", name).Error; err != nil {
		return nil, translate(err)
	}
	t := row.toDomain()
	return &t, nil
}

func (s *Store) ListTopics(ctx context.Context) ([]dispatch.Topic, error) {
	var rows []topicRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]dispatch.Topic, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (s *Store) DeleteTopic(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("topic_id = ?", id).Delete(&subscriptionRow{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&topicRow{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return dispatch.ErrNotFound
		}
		return nil
	})
}

// --- Subscriptions ---

func (s *Store) GetSubscription(ctx context.Context, topicID, deviceID string) (*dispatch.Subscription, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).
		Where("topic_id = ? AND device_id = ?", topicID, deviceID).
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	sub := row.toDomain()
	return &sub, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub *dispatch.Subscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(newSubscriptionRow(sub)).Error
}

func (s *Store) ListSubscriptions(ctx context.Context, topicID string) ([]dispatch.Subscription, error) {
	var rows []subscriptionRow
	if err := s.db.WithContext(ctx).Where("topic_id = ?", topicID).Order("subscribed_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]dispatch.Subscription, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// --- History ---

func (s *Store) AppendHistory(ctx context.Context, entry *dispatch.HistoryEntry) error {
	row := &historyRow{
		ID:        entry.ID,
		Operator:  entry.Operator,
		Mode:      string(entry.Result.Mode),
		Status:    string(entry.Result.Status),
		AccountID: entry.Result.AccountID,
		Result:    entry.Result,
		CreatedAt: entry.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *Store) ListHistory(ctx context.Context, limit int) ([]dispatch.HistoryEntry, error) {
	var rows []historyRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]dispatch.HistoryEntry, len(rows))
	for i, r := range rows {
		out[i] = dispatch.HistoryEntry{ID: r.ID, Operator: r.Operator, Result: r.Result, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

var _ dispatch.Store = (*Store)(nil)
