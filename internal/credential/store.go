package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// Unsealed is an account together with its decrypted credential. Callers must
// Wipe it once the client has been built.
type Unsealed struct {
	dispatch.Account
	Credential dispatch.Credential
}

func (u *Unsealed) Wipe() {
	u.Credential.Wipe()
}

// AccountInput carries an account to be saved. On update, empty fields and nil
// flags keep the stored values, and a nil PrivateKey keeps the stored secret.
type AccountInput struct {
	ID           string
	DisplayName  string
	ProjectID    string
	ServiceEmail string
	PrivateKey   []byte
	IsDefault    *bool
	IsActive     *bool
}

// Store is the codec-aware view over an AccountRepository.
type Store struct {
	repo   dispatch.AccountRepository
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(repo dispatch.AccountRepository, codec *Codec, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		codec:  codec,
		logger: logger.With("component", "CredentialStore"),
		now:    time.Now,
	}
}

// Lookup returns the account record without touching its secret.
func (s *Store) Lookup(ctx context.Context, id string) (*dispatch.Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// Get returns the account with its secret decrypted. A secret that cannot be
// decrypted fails with *dispatch.CodecError, distinct from ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Unsealed, error) {
	acc, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.unseal(acc)
}

func (s *Store) unseal(acc *dispatch.Account) (*Unsealed, error) {
	secret, err := s.codec.Decrypt(acc.EncryptedSecret)
	if err != nil {
		s.logger.Error("Failed to decrypt account secret", "account_id", acc.ID, "err", err)
		return nil, fmt.Errorf("account %s: %w", acc.ID, err)
	}
	return &Unsealed{
		Account: *acc,
		Credential: dispatch.Credential{
			ProjectID:    acc.ProjectID,
			ServiceEmail: acc.ServiceEmail,
			PrivateKey:   secret,
		},
	}, nil
}

// Upsert creates or updates an account, encrypting the secret when present.
func (s *Store) Upsert(ctx context.Context, in AccountInput) (*dispatch.Account, error) {
	now := s.now().UTC()

	var acc *dispatch.Account
	if in.ID != "" {
		existing, err := s.repo.GetAccount(ctx, in.ID)
		switch {
		case err == nil:
			acc = existing
		case errors.Is(err, dispatch.ErrNotFound):
		default:
			return nil, err
		}
	}
	if acc == nil {
		if len(in.PrivateKey) == 0 {
			return nil, fmt.Errorf("new account requires a private key")
		}
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		}
		acc = &dispatch.Account{ID: id, IsActive: true, CreatedAt: now}
	}

	if in.DisplayName != "" {
		acc.DisplayName = in.DisplayName
	}
	if in.ProjectID != "" {
		acc.ProjectID = in.ProjectID
	}
	if in.ServiceEmail != "" {
		acc.ServiceEmail = in.ServiceEmail
	}
	if in.IsActive != nil {
		acc.IsActive = *in.IsActive
	}
	if in.IsDefault != nil {
		acc.IsDefault = *in.IsDefault
	}
	acc.IsDefault = acc.IsDefault && acc.IsActive
	if len(in.PrivateKey) > 0 {
		sealed, err := s.codec.Encrypt(in.PrivateKey)
		if err != nil {
			return nil, err
		}
		acc.EncryptedSecret = sealed
	}
	acc.UpdatedAt = now

	if err := s.repo.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	s.logger.Info("Account saved", "account_id", acc.ID, "default", acc.IsDefault, "active", acc.IsActive)
	return acc, nil
}

// Deactivate soft-disables an account and drops its default flag.
func (s *Store) Deactivate(ctx context.Context, id string) (*dispatch.Account, error) {
	acc, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	acc.IsActive = false
	acc.IsDefault = false
	acc.UpdatedAt = s.now().UTC()
	if err := s.repo.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *Store) ListActive(ctx context.Context) ([]dispatch.Account, error) {
	return s.repo.ListActiveAccounts(ctx)
}

func (s *Store) FindDefault(ctx context.Context) (*dispatch.Account, error) {
	return s.repo.FindDefaultAccount(ctx)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.repo.DeleteAccount(ctx, id)
}

// Touch records a successful client resolution.
func (s *Store) Touch(ctx context.Context, id string) error {
	return s.repo.TouchAccount(ctx, id, s.now().UTC())
}
