// Package accounts implements the administrative account operations. Any
// change to an account's credentials or status evicts its live client.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-dispatch-service/internal/credential"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// ErrIncompleteCredential is returned when a registration lacks part of the
// credential triple.
var ErrIncompleteCredential = errors.New("project id, service email and private key are required")

// Evictor drops a cached client. *pool.Pool satisfies it.
type Evictor interface {
	Evict(accountID string)
}

// ClientFactory builds provider clients. *fcm.Factory satisfies it.
type ClientFactory interface {
	NewClient(ctx context.Context, cred dispatch.Credential) (*fcm.Client, error)
}

// TestResult is the outcome of a credential probe.
type TestResult struct {
	OK        bool   `json:"ok"`
	Detail    string `json:"detail"`
	MessageID string `json:"messageId,omitempty"`
}

type Service struct {
	store   *credential.Store
	pool    Evictor
	factory ClientFactory
	timeout time.Duration
	logger  *slog.Logger
}

func NewService(store *credential.Store, pool Evictor, factory ClientFactory, probeTimeout time.Duration, logger *slog.Logger) *Service {
	if probeTimeout <= 0 {
		probeTimeout = 30 * time.Second
	}
	return &Service{
		store:   store,
		pool:    pool,
		factory: factory,
		timeout: probeTimeout,
		logger:  logger.With("component", "AccountService"),
	}
}

// Register creates an account from a credential triple.
func (s *Service) Register(ctx context.Context, in credential.AccountInput) (*dispatch.Account, error) {
	if in.ProjectID == "" || in.ServiceEmail == "" || len(in.PrivateKey) == 0 {
		return nil, ErrIncompleteCredential
	}
	in.ID = ""
	return s.store.Upsert(ctx, in)
}

// Update changes an existing account. The stored secret is never decrypted
// here, so a key that no longer decrypts can still be replaced. The live
// client is evicted so the next resolve picks up the new credentials.
func (s *Service) Update(ctx context.Context, id string, in credential.AccountInput) (*dispatch.Account, error) {
	if _, err := s.store.Lookup(ctx, id); err != nil {
		return nil, err
	}
	in.ID = id
	acc, err := s.store.Upsert(ctx, in)
	if err != nil {
		return nil, err
	}
	s.pool.Evict(id)
	return acc, nil
}

func (s *Service) Deactivate(ctx context.Context, id string) (*dispatch.Account, error) {
	acc, err := s.store.Deactivate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.pool.Evict(id)
	s.logger.Info("Account deactivated", "account_id", id)
	return acc, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.pool.Evict(id)
	s.logger.Info("Account deleted", "account_id", id)
	return nil
}

func (s *Service) List(ctx context.Context) ([]dispatch.Account, error) {
	return s.store.ListActive(ctx)
}

// TestCredentials builds a throwaway client from the triple and probes it
// with a dry-run send. The client is always torn down.
func (s *Service) TestCredentials(ctx context.Context, cred dispatch.Credential) TestResult {
	defer cred.Wipe()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	client, err := s.factory.NewClient(ctx, cred)
	if err != nil {
		s.logger.Warn("Credential test failed at client construction", "project_id", cred.ProjectID, "err", err)
		return TestResult{Detail: fmt.Sprintf("client construction failed: %v", err)}
	}
	defer client.Close()

	id, err := client.Probe(ctx)
	if err != nil {
		s.logger.Warn("Credential probe rejected", "project_id", cred.ProjectID, "err", err)
		return TestResult{Detail: fmt.Sprintf("probe failed (%s): %v", fcm.ErrorCode(err), err)}
	}
	return TestResult{OK: true, Detail: "credentials accepted", MessageID: id}
}

// TestAccount probes the stored credentials of an existing account without
// touching the pool.
func (s *Service) TestAccount(ctx context.Context, id string) (TestResult, error) {
	unsealed, err := s.store.Get(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	return s.TestCredentials(ctx, unsealed.Credential), nil
}
