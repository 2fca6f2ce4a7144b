package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateName       = errors.New("duplicate name")
	ErrAlreadyExists       = errors.New("already exists")
	ErrNoProviderAvailable = errors.New("no provider client available: configure an account")
	ErrNoTargetsResolved   = errors.New("no target devices resolved")
	ErrInvalidTopic        = errors.New("invalid topic name")
)

// CodecError is returned when a secret cannot be encrypted or decrypted. It is
// a configuration-level failure and is never retried.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("credential codec %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// ProviderInitError is returned when a provider client could not be built for
// an account.
type ProviderInitError struct {
	AccountID string
	Err       error
}

func (e *ProviderInitError) Error() string {
	if e.AccountID == "" {
		return fmt.Sprintf("provider client init failed: %v", e.Err)
	}
	return fmt.Sprintf("provider client init failed for account %s: %v", e.AccountID, e.Err)
}

func (e *ProviderInitError) Unwrap() error { return e.Err }

// ProviderRejectedError is returned when the provider refused a single send.
type ProviderRejectedError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("provider rejected message (%s): %s", e.Code, e.Message)
}

func (e *ProviderRejectedError) Unwrap() error { return e.Err }
