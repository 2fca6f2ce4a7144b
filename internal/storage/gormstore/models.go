package gormstore

import (
	"time"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

type accountRow struct {
	ID              string  `gorm:"primaryKey;size:64"`
	DisplayName     *string `gorm:"uniqueIndex;size:255"`
	ProjectID       string  `gorm:"size:255"`
	ServiceEmail    string  `gorm:"size:255"`
	EncryptedSecret string
	IsDefault       bool `gorm:"index"`
	IsActive        bool
	LastUsedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (accountRow) TableName() string { return "dispatch_accounts" }

// accountLockRow is a single-row table that writers setting a default account
// lock before clearing the previous default.
type accountLockRow struct {
	ID string `gorm:"primaryKey;size:32"`
}

func (accountLockRow) TableName() string { return "dispatch_account_locks" }

const defaultLockID = "default"

func newAccountRow(a *dispatch.Account) *accountRow {
	row := &accountRow{
		ID:              a.ID,
		ProjectID:       a.ProjectID,
		ServiceEmail:    a.ServiceEmail,
		EncryptedSecret: a.EncryptedSecret,
		IsDefault:       a.IsDefault,
		IsActive:        a.IsActive,
		LastUsedAt:      a.LastUsedAt,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
	// NULL names do not collide in the unique index.
	if a.DisplayName != "" {
		name := a.DisplayName
		row.DisplayName = &name
	}
	return row
}

func (r *accountRow) toDomain() dispatch.Account {
	a := dispatch.Account{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		ServiceEmail:    r.ServiceEmail,
		EncryptedSecret: r.EncryptedSecret,
		IsDefault:       r.IsDefault,
		IsActive:        r.IsActive,
		LastUsedAt:      r.LastUsedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.DisplayName != nil {
		a.DisplayName = *r.DisplayName
	}
	return a
}

type deviceRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	Token      string `gorm:"uniqueIndex;size:512"`
	Platform   string `gorm:"size:16"`
	IsActive   bool   `gorm:"index"`
	LastSeenAt time.Time
	CreatedAt  time.Time
}

func (deviceRow) TableName() string { return "dispatch_devices" }

func (r *deviceRow) toDomain() dispatch.Device {
	return dispatch.Device{
		ID:         r.ID,
		Token:      r.Token,
		Platform:   dispatch.Platform(r.Platform),
		IsActive:   r.IsActive,
		LastSeenAt: r.LastSeenAt,
		CreatedAt:  r.CreatedAt,
	}
}

type topicRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"uniqueIndex;size:900"`
	IsActive  bool
	CreatedAt time.Time
}

func (topicRow) TableName() string { return "dispatch_topics" }

func (r *topicRow) toDomain() dispatch.Topic {
	return dispatch.Topic{ID: r.ID, Name: r.Name, IsActive: r.IsActive, CreatedAt: r.CreatedAt}
}

type subscriptionRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	TopicID        string `gorm:"index;size:64"`
	DeviceID       string `gorm:"index;size:64"`
	IsActive       bool
	SubscribedAt   time.Time
	UnsubscribedAt *time.Time
}

func (subscriptionRow) TableName() string { return "dispatch_subscriptions" }

func newSubscriptionRow(s *dispatch.Subscription) *subscriptionRow {
	return &subscriptionRow{
		ID:             s.ID,
		TopicID:        s.TopicID,
		DeviceID:       s.DeviceID,
		IsActive:       s.IsActive,
		SubscribedAt:   s.SubscribedAt,
		UnsubscribedAt: s.UnsubscribedAt,
	}
}

func (r *subscriptionRow) toDomain() dispatch.Subscription {
	return dispatch.Subscription{
		ID:             r.ID,
		TopicID:        r.TopicID,
		DeviceID:       r.DeviceID,
		IsActive:       r.IsActive,
		SubscribedAt:   r.SubscribedAt,
		UnsubscribedAt: r.UnsubscribedAt,
	}
}

type historyRow struct {
	ID        string                  `gorm:"primaryKey;size:64"`
	Operator  string                  `gorm:"size:255"`
	Mode      string                  `gorm:"size:16;index"`
	Status    string                  `gorm:"size:32"`
	AccountID string                  `gorm:"size:64;index"`
	Result    dispatch.DispatchResult `gorm:"serializer:json"`
	CreatedAt time.Time               `gorm:"index"`
}

func (historyRow) TableName() string { return "dispatch_history" }
