package firestore

import (
	"time"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

type accountRecord struct {
	ID              string     `firestore:"id"`
	DisplayName     string     `firestore:"display_name"`
	ProjectID       string     `firestore:"project_id"`
	ServiceEmail    string     `firestore:"service_email"`
	EncryptedSecret string     `firestore:"encrypted_secret"`
	IsDefault       bool       `firestore:"is_default"`
	IsActive        bool       `firestore:"is_active"`
	LastUsedAt      *time.Time `firestore:"last_used_at,omitempty"`
	CreatedAt       time.Time  `firestore:"created_at"`
	UpdatedAt       time.Time  `firestore:"updated_at"`
}

func toAccountRecord(a *dispatch.Account) accountRecord {
	return accountRecord{
		ID:              a.ID,
		DisplayName:     a.DisplayName,
		ProjectID:       a.ProjectID,
		ServiceEmail:    a.ServiceEmail,
		EncryptedSecret: a.EncryptedSecret,
		IsDefault:       a.IsDefault,
		IsActive:        a.IsActive,
		LastUsedAt:      a.LastUsedAt,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func (r *accountRecord) toDomain() dispatch.Account {
	return dispatch.Account{
		ID:              r.ID,
		DisplayName:     r.DisplayName,
		ProjectID:       r.ProjectID,
		ServiceEmail:    r.ServiceEmail,
		EncryptedSecret: r.EncryptedSecret,
		IsDefault:       r.IsDefault,
		IsActive:        r.IsActive,
		LastUsedAt:      r.LastUsedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// nameRecord reserves a display name for one account.
type nameRecord struct {
	AccountID string `firestore:"account_id"`
}

type deviceRecord struct {
	ID         string    `firestore:"id"`
	Token      string    `firestore:"token"`
	Platform   string    `firestore:"platform"`
	IsActive   bool      `firestore:"is_active"`
	LastSeenAt time.Time `firestore:"last_seen_at"`
	CreatedAt  time.Time `firestore:"created_at"`
}

func (r *deviceRecord) toDomain() dispatch.Device {
	return dispatch.Device{
		ID:         r.ID,
		Token:      r.Token,
		Platform:   dispatch.Platform(r.Platform),
		IsActive:   r.IsActive,
		LastSeenAt: r.LastSeenAt,
		CreatedAt:  r.CreatedAt,
	}
}

type topicRecord struct {
	ID        string    `firestore:"id"`
	Name      string    `firestore:"name"`
	IsActive  bool      `firestore:"is_active"`
	CreatedAt time.Time `firestore:"created_at"`
}

func (r *topicRecord) toDomain() dispatch.Topic {
	return dispatch.Topic{ID: r.ID, Name: r.Name, IsActive: r.IsActive, CreatedAt: r.CreatedAt}
}

type subscriptionRecord struct {
	ID             string     `firestore:"id"`
	TopicID        string     `firestore:"topic_id"`
	DeviceID       string     `firestore:"device_id"`
	IsActive       bool       `firestore:"is_active"`
	SubscribedAt   time.Time  `firestore:"subscribed_at"`
	UnsubscribedAt *time.Time `firestore:"unsubscribed_at,omitempty"`
}

func (r *subscriptionRecord) toDomain() dispatch.Subscription {
	return dispatch.Subscription{
		ID:             r.ID,
		TopicID:        r.TopicID,
		DeviceID:       r.DeviceID,
		IsActive:       r.IsActive,
		SubscribedAt:   r.SubscribedAt,
		UnsubscribedAt: r.UnsubscribedAt,
	}
}

type errorGroupRecord struct {
	Code    string   `firestore:"code"`
	Message string   `firestore:"message"`
	Count   int      `firestore:"count"`
	Samples []string `firestore:"samples,omitempty"`
}

type historyRecord struct {
	ID            string             `firestore:"id"`
	Operator      string             `firestore:"operator"`
	Mode          string             `firestore:"mode"`
	Title         string             `firestore:"title,omitempty"`
	Body          string             `firestore:"body,omitempty"`
	Target        string             `firestore:"target"`
	AccountID     string             `firestore:"account_id"`
	Policy        string             `firestore:"policy,omitempty"`
	Status        string             `firestore:"status"`
	SuccessCount  int                `firestore:"success_count"`
	FailureCount  int                `firestore:"failure_count"`
	FailureReason string             `firestore:"failure_reason,omitempty"`
	ErrorGroups   []errorGroupRecord `firestore:"error_groups,omitempty"`
	MessageIDs    []string           `firestore:"message_ids,omitempty"`
	Batches       int                `firestore:"batches"`
	Deactivated   int                `firestore:"deactivated"`
	StartedAt     time.Time          `firestore:"started_at"`
	CompletedAt   time.Time          `firestore:"completed_at"`
	CreatedAt     time.Time          `firestore:"created_at"`
}

func toHistoryRecord(e *dispatch.HistoryEntry) historyRecord {
	r := e.Result
	rec := historyRecord{
		ID:            e.ID,
		Operator:      e.Operator,
		Mode:          string(r.Mode),
		Title:         r.Title,
		Body:          r.Body,
		Target:        r.Target,
		AccountID:     r.AccountID,
		Policy:        r.Policy,
		Status:        string(r.Status),
		SuccessCount:  r.SuccessCount,
		FailureCount:  r.FailureCount,
		FailureReason: r.FailureReason,
		MessageIDs:    r.MessageIDs,
		Batches:       r.Batches,
		Deactivated:   r.Deactivated,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		CreatedAt:     e.CreatedAt,
	}
	for _, g := range r.ErrorGroups {
		rec.ErrorGroups = append(rec.ErrorGroups, errorGroupRecord(g))
	}
	return rec
}

func (r *historyRecord) toDomain() dispatch.HistoryEntry {
	res := dispatch.DispatchResult{
		Mode:          dispatch.Mode(r.Mode),
		Title:         r.Title,
		Body:          r.Body,
		Target:        r.Target,
		AccountID:     r.AccountID,
		Policy:        r.Policy,
		Status:        dispatch.Status(r.Status),
		SuccessCount:  r.SuccessCount,
		FailureCount:  r.FailureCount,
		FailureReason: r.FailureReason,
		MessageIDs:    r.MessageIDs,
		Batches:       r.Batches,
		Deactivated:   r.Deactivated,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
	for _, g := range r.ErrorGroups {
		res.ErrorGroups = append(res.ErrorGroups, dispatch.ErrorGroup(g))
	}
	return dispatch.HistoryEntry{ID: r.ID, Operator: r.Operator, Result: res, CreatedAt: r.CreatedAt}
}
