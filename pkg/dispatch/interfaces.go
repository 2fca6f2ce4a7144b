package dispatch

import (
	"context"
	"time"
)

// AccountRepository persists account records. The secret is stored exactly as
// given; encryption is the caller's concern.
type AccountRepository interface {
	// GetAccount returns ErrNotFound if the account does not exist.
	GetAccount(ctx context.Context, id string) (*Account, error)
	// SaveAccount inserts or replaces the account. When acc.IsDefault is set it
	// must clear the flag on every other account in the same transaction.
	// Returns ErrDuplicateName if another account has the same display name.
	SaveAccount(ctx context.Context, acc *Account) error
	ListActiveAccounts(ctx context.Context) ([]Account, error)
	// FindDefaultAccount returns the active default account or ErrNotFound.
	FindDefaultAccount(ctx context.Context) (*Account, error)
	DeleteAccount(ctx context.Context, id string) error
	TouchAccount(ctx context.Context, id string, at time.Time) error
}

// DeviceRepository persists registered devices.
type DeviceRepository interface {
	// RegisterDevice is idempotent per token: an existing token is refreshed
	// rather than duplicated.
	RegisterDevice(ctx context.Context, token string, platform Platform) (*Device, error)
	GetDeviceByToken(ctx context.Context, token string) (*Device, error)
	GetDevices(ctx context.Context, ids []string) ([]Device, error)
	ListActiveDevices(ctx context.Context) ([]Device, error)
	// DeactivateTokens marks the devices owning the tokens inactive and returns
	// how many rows changed.
	DeactivateTokens(ctx context.Context, tokens []string) (int, error)
}

// TopicRepository persists the local topic mirror.
type TopicRepository interface {
	// CreateTopic returns ErrAlreadyExists if the name is taken.
	CreateTopic(ctx context.Context, topic *Topic) error
	GetTopicByName(ctx context.Context, name string) (*Topic, error)
	ListTopics(ctx context.Context) ([]Topic, error)
	// DeleteTopic removes the topic and all of its subscription rows atomically.
	DeleteTopic(ctx context.Context, id string) error
}

// SubscriptionRepository persists the local subscription mirror.
type SubscriptionRepository interface {
	GetSubscription(ctx context.Context, topicID, deviceID string) (*Subscription, error)
	// SaveSubscription upserts by ID.
	SaveSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptions(ctx context.Context, topicID string) ([]Subscription, error)
}

// HistoryRepository is the append-only dispatch audit log.
type HistoryRepository interface {
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error)
}

// Store is the full record store a backend provides.
type Store interface {
	AccountRepository
	DeviceRepository
	TopicRepository
	SubscriptionRepository
	HistoryRepository
	Close() error
}
