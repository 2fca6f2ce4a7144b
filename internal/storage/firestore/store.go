// Package firestore is the Cloud Firestore record store backend.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

const (
	accountsCollection      = "dispatch-accounts"
	accountNamesCollection  = "dispatch-account-names"
	devicesCollection       = "dispatch-devices"
	topicsCollection        = "dispatch-topics"
	subscriptionsCollection = "dispatch-subscriptions"
	historyCollection       = "dispatch-history"

	// Firestore caps "in" filters at 30 values and transactions at 500 writes.
	inQueryLimit    = 30
	writeBatchLimit = 400
)

// FirestoreStore implements dispatch.Store using Google Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewFirestoreStore(client *firestore.Client, logger *slog.Logger) *FirestoreStore {
	return &FirestoreStore{
		client: client,
		logger: logger.With("component", "FirestoreStore"),
		now:    time.Now,
	}
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func translate(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return dispatch.ErrNotFound
	case codes.AlreadyExists:
		return dispatch.ErrAlreadyExists
	default:
		return err
	}
}

// --- Accounts ---

func (s *FirestoreStore) GetAccount(ctx context.Context, id string) (*dispatch.Account, error) {
	doc, err := s.client.Collection(accountsCollection).Doc(id).Get(ctx)
	if err != nil {
		return nil, translate(err)
	}
	var rec accountRecord
	if err := doc.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode account %s: %w", id, err)
	}
	acc := rec.toDomain()
	return &acc, nil
}

// SaveAccount keeps the display-name reservation and the single default flag
// consistent with the account document in one transaction.
func (s *FirestoreStore) SaveAccount(ctx context.Context, acc *dispatch.Account) error {
	accRef := s.client.Collection(accountsCollection).Doc(acc.ID)
	names := s.client.Collection(accountNamesCollection)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Reads first.
		var previousName string
		snap, err := tx.Get(accRef)
		switch {
		case err == nil:
			var prev accountRecord
			if err := snap.DataTo(&prev); err != nil {
				return err
			}
			previousName = prev.DisplayName
		case !isNotFound(err):
			return err
		}

		if acc.DisplayName != "" {
			nameSnap, err := tx.Get(names.Doc(nameKey(acc.DisplayName)))
			switch {
			case err == nil:
				var owner nameRecord
				if err := nameSnap.DataTo(&owner); err != nil {
					return err
				}
				if owner.AccountID != acc.ID {
					return dispatch.ErrDuplicateName
				}
			case !isNotFound(err):
				return err
			}
		}

		var others []*firestore.DocumentRef
		if acc.IsDefault {
			iter := tx.Documents(s.client.Collection(accountsCollection).Where("is_default", "==", true))
			refs, err := collectRefs(iter)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				if ref.ID != acc.ID {
					others = append(others, ref)
				}
			}
		}

		// Then writes.
		if previousName != "" && previousName != acc.DisplayName {
			if err := tx.Delete(names.Doc(nameKey(previousName))); err != nil {
				return err
			}
		}
		if acc.DisplayName != "" {
			if err := tx.Set(names.Doc(nameKey(acc.DisplayName)), nameRecord{AccountID: acc.ID}); err != nil {
				return err
			}
		}
		for _, ref := range others {
			if err := tx.Update(ref, []firestore.Update{{Path: "is_default", Value: false}}); err != nil {
				return err
			}
		}
		return tx.Set(accRef, toAccountRecord(acc))
	})
	if errors.Is(err, dispatch.ErrDuplicateName) {
		return fmt.Errorf("account %q: %w", acc.DisplayName, dispatch.ErrDuplicateName)
	}
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", acc.ID, err)
	}
	return nil
}

func (s *FirestoreStore) ListActiveAccounts(ctx context.Context) ([]dispatch.Account, error) {
	iter := s.client.Collection(accountsCollection).Where("is_active", "==", true).Documents(ctx)
	accounts, err := collect(iter, (*accountRecord).toDomain)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (s *FirestoreStore) FindDefaultAccount(ctx context.Context) (*dispatch.Account, error) {
	iter := s.client.Collection(accountsCollection).
		Where("is_default", "==", true).
		Where("is_active", "==", true).
		Limit(1).
		Documents(ctx)
	accounts, err := collect(iter, (*accountRecord).toDomain)
	if err != nil {
		return nil, fmt.Errorf("failed to find default account: %w", err)
	}
	if len(accounts) == 0 {
		return nil, dispatch.ErrNotFound
	}
	return &accounts[0], nil
}

func (s *FirestoreStore) DeleteAccount(ctx context.Context, id string) error {
	ref := s.client.Collection(accountsCollection).Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return translate(err)
		}
		var rec accountRecord
		if err := snap.DataTo(&rec); err != nil {
			return err
		}
		if rec.DisplayName != "" {
			if err := tx.Delete(s.client.Collection(accountNamesCollection).Doc(nameKey(rec.DisplayName))); err != nil {
				return err
			}
		}
		return tx.Delete(ref)
	})
}

func (s *FirestoreStore) TouchAccount(ctx context.Context, id string, at time.Time) error {
	_, err := s.client.Collection(accountsCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "last_used_at", Value: at},
	})
	return translate(err)
}

// --- Devices ---

// RegisterDevice keys documents by the token hash so a token can only ever
// have one document.
func (s *FirestoreStore) RegisterDevice(ctx context.Context, token string, platform dispatch.Platform) (*dispatch.Device, error) {
	ref := s.deviceRef(token)
	now := s.now().UTC()
	var rec deviceRecord

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(&rec); err != nil {
				return err
			}
		case isNotFound(err):
			rec = deviceRecord{
				ID:        dispatch.DeviceID(token, platform),
				Token:     token,
				CreatedAt: now,
			}
		default:
			return err
		}
		rec.Platform = string(platform)
		rec.IsActive = true
		rec.LastSeenAt = now
		return tx.Set(ref, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	d := rec.toDomain()
	return &d, nil
}

func (s *FirestoreStore) GetDeviceByToken(ctx context.Context, token string) (*dispatch.Device, error) {
	doc, err := s.deviceRef(token).Get(ctx)
	if err != nil {
		return nil, translate(err)
	}
	var rec deviceRecord
	if err := doc.DataTo(&rec); err != nil {
		return nil, err
	}
	d := rec.toDomain()
	return &d, nil
}

func (s *FirestoreStore) GetDevices(ctx context.Context, ids []string) ([]dispatch.Device, error) {
	var out []dispatch.Device
	for start := 0; start < len(ids); start += inQueryLimit {
		chunk := ids[start:min(start+inQueryLimit, len(ids))]
		iter := s.client.Collection(devicesCollection).Where("id", "in", chunk).Documents(ctx)
		devices, err := collect(iter, (*deviceRecord).toDomain)
		if err != nil {
			return nil, fmt.Errorf("failed to load devices: %w", err)
		}
		out = append(out, devices...)
	}
	return out, nil
}

func (s *FirestoreStore) ListActiveDevices(ctx context.Context) ([]dispatch.Device, error) {
	iter := s.client.Collection(devicesCollection).Where("is_active", "==", true).Documents(ctx)
	devices, err := collect(iter, (*deviceRecord).toDomain)
	if err != nil {
		return nil, fmt.Errorf("failed to list active devices: %w", err)
	}
	return devices, nil
}

func (s *FirestoreStore) DeactivateTokens(ctx context.Context, tokens []string) (int, error) {
	total := 0
	for start := 0; start < len(tokens); start += writeBatchLimit {
		chunk := tokens[start:min(start+writeBatchLimit, len(tokens))]
		refs := make([]*firestore.DocumentRef, len(chunk))
		for i, t := range chunk {
			refs[i] = s.deviceRef(t)
		}

		changed := 0
		err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			changed = 0
			snaps, err := tx.GetAll(refs)
			if err != nil {
				return err
			}
			var active []*firestore.DocumentRef
			for _, snap := range snaps {
				if !snap.Exists() {
					continue
				}
				v, err := snap.DataAt("is_active")
				if on, _ := v.(bool); err == nil && on {
					active = append(active, snap.Ref)
				}
			}
			for _, ref := range active {
				if err := tx.Update(ref, []firestore.Update{{Path: "is_active", Value: false}}); err != nil {
					return err
				}
			}
			changed = len(active)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("failed to deactivate devices: %w", err)
		}
		total += changed
	}
	return total, nil
}

func (s *FirestoreStore) deviceRef(token string) *firestore.DocumentRef {
	return s.client.Collection(devicesCollection).Doc(hashToken(token))
}

// --- Topics ---

func (s *FirestoreStore) CreateTopic(ctx context.Context, topic *dispatch.Topic) error {
	rec := topicRecord{ID: topic.ID, Name: topic.Name, IsActive: topic.IsActive, CreatedAt: topic.CreatedAt}
	// Topic documents are keyed by the name fingerprint, so Create enforces
	// name uniqueness.
	if _, err := s.client.Collection(topicsCollection).Doc(dispatch.TopicID(topic.Name)).Create(ctx, rec); err != nil {
		return fmt.Errorf("topic %q: %w", topic.Name, translate(err))
	}
	return nil
}

func (s *FirestoreStore) GetTopicByName(ctx context.Context, name string) (*dispatch.Topic, error) {
	doc, err := s.client.Collection(topicsCollection).Doc(dispatch.TopicID(name)).Get(ctx)
	if err != nil {
		return nil, translate(err)
	}
	var rec topicRecord
	if err := doc.DataTo(&rec); err != nil {
		return nil, err
	}
	t := rec.toDomain()
	return &t, nil
}

func (s *FirestoreStore) ListTopics(ctx context.Context) ([]dispatch.Topic, error) {
	iter := s.client.Collection(topicsCollection).OrderBy("name", firestore.Asc).Documents(ctx)
	return collect(iter, (*topicRecord).toDomain)
}

func (s *FirestoreStore) DeleteTopic(ctx context.Context, id string) error {
	topicRef := s.client.Collection(topicsCollection).Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(topicRef); err != nil {
			return translate(err)
		}
		refs, err := collectRefs(tx.Documents(s.client.Collection(subscriptionsCollection).Where("topic_id", "==", id)))
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}
		return tx.Delete(topicRef)
	})
}

// --- Subscriptions ---

func (s *FirestoreStore) GetSubscription(ctx context.Context, topicID, deviceID string) (*dispatch.Subscription, error) {
	doc, err := s.client.Collection(subscriptionsCollection).Doc(dispatch.SubscriptionID(topicID, deviceID)).Get(ctx)
	if err != nil {
		return nil, translate(err)
	}
	var rec subscriptionRecord
	if err := doc.DataTo(&rec); err != nil {
		return nil, err
	}
	sub := rec.toDomain()
	return &sub, nil
}

func (s *FirestoreStore) SaveSubscription(ctx context.Context, sub *dispatch.Subscription) error {
	rec := subscriptionRecord{
		ID:             sub.ID,
		TopicID:        sub.TopicID,
		DeviceID:       sub.DeviceID,
		IsActive:       sub.IsActive,
		SubscribedAt:   sub.SubscribedAt,
		UnsubscribedAt: sub.UnsubscribedAt,
	}
	_, err := s.client.Collection(subscriptionsCollection).Doc(sub.ID).Set(ctx, rec)
	return err
}

func (s *FirestoreStore) ListSubscriptions(ctx context.Context, topicID string) ([]dispatch.Subscription, error) {
	iter := s.client.Collection(subscriptionsCollection).Where("topic_id", "==", topicID).Documents(ctx)
	return collect(iter, (*subscriptionRecord).toDomain)
}

// --- History ---

func (s *FirestoreStore) AppendHistory(ctx context.Context, entry *dispatch.HistoryEntry) error {
	_, err := s.client.Collection(historyCollection).Doc(entry.ID).Create(ctx, toHistoryRecord(entry))
	return err
}

func (s *FirestoreStore) ListHistory(ctx context.Context, limit int) ([]dispatch.HistoryEntry, error) {
	iter := s.client.Collection(historyCollection).
		OrderBy("created_at", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	return collect(iter, (*historyRecord).toDomain)
}

// --- Helpers ---

func collect[R any, D any](iter *firestore.DocumentIterator, conv func(*R) D) ([]D, error) {
	defer iter.Stop()
	var out []D
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		var rec R
		if err := doc.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", doc.Ref.Path, err)
		}
		out = append(out, conv(&rec))
	}
	return out, nil
}

func collectRefs(iter *firestore.DocumentIterator) ([]*firestore.DocumentRef, error) {
	defer iter.Stop()
	var refs []*firestore.DocumentRef
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return refs, nil
		}
		if err != nil {
			return nil, err
		}
		refs = append(refs, doc.Ref)
	}
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}

func nameKey(name string) string {
	return hashToken("name:" + name)
}

var _ dispatch.Store = (*FirestoreStore)(nil)
