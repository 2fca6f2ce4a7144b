// Package api exposes the administrative HTTP surface of the dispatch service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-dispatch-service/internal/accounts"
	"github.com/tinywideclouds/go-dispatch-service/internal/credential"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// Dispatcher is the subset of the engine the API drives.
type Dispatcher interface {
	DispatchToDevice(ctx context.Context, req dispatch.DeviceRequest) (*dispatch.DispatchResult, error)
	DispatchToTopic(ctx context.Context, req dispatch.TopicRequest) (*dispatch.DispatchResult, error)
	DispatchBroadcast(ctx context.Context, req dispatch.BroadcastRequest) (*dispatch.DispatchResult, error)
}

type Topics interface {
	Subscribe(ctx context.Context, accountID string, tokens []string, topic string) (*dispatch.SubscriptionResult, error)
	Unsubscribe(ctx context.Context, accountID string, tokens []string, topic string) (*dispatch.SubscriptionResult, error)
	Topics(ctx context.Context) ([]dispatch.Topic, error)
	Subscriptions(ctx context.Context, topic string) ([]dispatch.Subscription, error)
	DeleteTopic(ctx context.Context, topic string) error
}

type Devices interface {
	RegisterDevice(ctx context.Context, token string, platform dispatch.Platform) (*dispatch.Device, error)
}

type Accounts interface {
	Register(ctx context.Context, in credential.AccountInput) (*dispatch.Account, error)
	Update(ctx context.Context, id string, in credential.AccountInput) (*dispatch.Account, error)
	Deactivate(ctx context.Context, id string) (*dispatch.Account, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]dispatch.Account, error)
	TestCredentials(ctx context.Context, cred dispatch.Credential) accounts.TestResult
	TestAccount(ctx context.Context, id string) (accounts.TestResult, error)
}

type History interface {
	List(ctx context.Context, limit int) ([]dispatch.HistoryEntry, error)
}

type AdminAPI struct {
	Dispatcher Dispatcher
	Topics     Topics
	Devices    Devices
	Accounts   Accounts
	History    History
	Logger     *slog.Logger
}

func NewAdminAPI(dispatcher Dispatcher, topics Topics, devices Devices, accts Accounts, history History, logger *slog.Logger) *AdminAPI {
	return &AdminAPI{
		Dispatcher: dispatcher,
		Topics:     topics,
		Devices:    devices,
		Accounts:   accts,
		History:    history,
		Logger:     logger.With("component", "AdminAPI"),
	}
}

// operator returns the caller's identity as a URN string. The user ID is
// always present after authentication; the handle claim is optional and only
// consulted when the ID is missing.
func (api *AdminAPI) operator(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok || id == "" {
		id, ok = middleware.GetUserHandleFromContext(r.Context())
	}
	if !ok || id == "" {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	op, err := urn.Parse(id)
	if err != nil || op.IsZero() {
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid operator identity")
		return "", false
	}
	return op.String(), true
}

func (api *AdminAPI) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// --- Dispatch ---

func (api *AdminAPI) DispatchDevice(w http.ResponseWriter, r *http.Request) {
	op, ok := api.operator(w, r)
	if !ok {
		return
	}
	var req dispatch.DeviceRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}
	req.Operator = op

	res, err := api.Dispatcher.DispatchToDevice(r.Context(), req)
	if err != nil {
		api.writeError(w, "dispatch to device", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (api *AdminAPI) DispatchTopic(w http.ResponseWriter, r *http.Request) {
	op, ok := api.operator(w, r)
	if !ok {
		return
	}
	var req dispatch.TopicRequest
	if !api.decode(w, r, &req) {
		return
	}
	req.Operator = op

	res, err := api.Dispatcher.DispatchToTopic(r.Context(), req)
	if err != nil {
		api.writeError(w, "dispatch to topic", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DispatchBroadcast answers 200 for any aggregated outcome, partial or not.
func (api *AdminAPI) DispatchBroadcast(w http.ResponseWriter, r *http.Request) {
	op, ok := api.operator(w, r)
	if !ok {
		return
	}
	var req dispatch.BroadcastRequest
	if !api.decode(w, r, &req) {
		return
	}
	req.Operator = op

	res, err := api.Dispatcher.DispatchBroadcast(r.Context(), req)
	if err != nil {
		api.writeError(w, "broadcast", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Topics ---

type TopicMembershipRequest struct {
	AccountID string   `json:"accountId,omitempty"`
	Topic     string   `json:"topic"`
	Tokens    []string `json:"tokens"`
}

func (api *AdminAPI) Subscribe(w http.ResponseWriter, r *http.Request) {
	api.membership(w, r, "subscribe", api.Topics.Subscribe)
}

func (api *AdminAPI) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	api.membership(w, r, "unsubscribe", api.Topics.Unsubscribe)
}

type membershipCall func(ctx context.Context, accountID string, tokens []string, topic string) (*dispatch.SubscriptionResult, error)

func (api *AdminAPI) membership(w http.ResponseWriter, r *http.Request, action string, call membershipCall) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	var req TopicMembershipRequest
	if !api.decode(w, r, &req) {
		return
	}

	res, err := call(r.Context(), req.AccountID, req.Tokens, req.Topic)
	if err != nil {
		if res != nil {
			// Every chunk was refused by the provider.
			api.Logger.Error("Topic membership call failed", "action", action, "topic", req.Topic, "err", err)
			writeJSON(w, http.StatusBadGateway, res)
			return
		}
		api.writeError(w, action, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (api *AdminAPI) ListTopics(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	topics, err := api.Topics.Topics(r.Context())
	if err != nil {
		api.writeError(w, "list topics", err)
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

func (api *AdminAPI) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	subs, err := api.Topics.Subscriptions(r.Context(), r.PathValue("name"))
	if err != nil {
		api.writeError(w, "list subscriptions", err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (api *AdminAPI) DeleteTopic(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	if err := api.Topics.DeleteTopic(r.Context(), r.PathValue("name")); err != nil {
		api.writeError(w, "delete topic", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Devices ---

type RegisterDeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (api *AdminAPI) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	var req RegisterDeviceRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	device, err := api.Devices.RegisterDevice(r.Context(), req.Token, dispatch.ParsePlatform(req.Platform))
	if err != nil {
		api.writeError(w, "register device", err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// --- Accounts ---

// AccountRequest carries the credential triple. PrivateKey is the PEM text of
// the service account key.
type AccountRequest struct {
	DisplayName  string `json:"displayName"`
	ProjectID    string `json:"projectId"`
	ServiceEmail string `json:"serviceEmail"`
	PrivateKey   string `json:"privateKey"`
	IsDefault    *bool  `json:"isDefault,omitempty"`
	IsActive     *bool  `json:"isActive,omitempty"`
}

func (req AccountRequest) input() credential.AccountInput {
	in := credential.AccountInput{
		DisplayName:  req.DisplayName,
		ProjectID:    req.ProjectID,
		ServiceEmail: req.ServiceEmail,
		IsDefault:    req.IsDefault,
		IsActive:     req.IsActive,
	}
	if req.PrivateKey != "" {
		in.PrivateKey = []byte(req.PrivateKey)
	}
	return in
}

func (api *AdminAPI) ListAccounts(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	accts, err := api.Accounts.List(r.Context())
	if err != nil {
		api.writeError(w, "list accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

func (api *AdminAPI) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	op, ok := api.operator(w, r)
	if !ok {
		return
	}
	var req AccountRequest
	if !api.decode(w, r, &req) {
		return
	}

	acc, err := api.Accounts.Register(r.Context(), req.input())
	if err != nil {
		api.writeError(w, "register account", err)
		return
	}
	api.Logger.Info("Account registered", "account_id", acc.ID, "operator", op)
	writeJSON(w, http.StatusCreated, acc)
}

func (api *AdminAPI) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	op, ok := api.operator(w, r)
	if !ok {
		return
	}
	var req AccountRequest
	if !api.decode(w, r, &req) {
		return
	}

	acc, err := api.Accounts.Update(r.Context(), r.PathValue("id"), req.input())
	if err != nil {
		api.writeError(w, "update account", err)
		return
	}
	api.Logger.Info("Account updated", "account_id", acc.ID, "operator", op)
	writeJSON(w, http.StatusOK, acc)
}

func (api *AdminAPI) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	acc, err := api.Accounts.Deactivate(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeError(w, "deactivate account", err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (api *AdminAPI) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	if err := api.Accounts.Delete(r.Context(), r.PathValue("id")); err != nil {
		api.writeError(w, "delete account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestAccount probes the stored credentials of an account.
func (api *AdminAPI) TestAccount(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	res, err := api.Accounts.TestAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeError(w, "test account", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TestCredentials probes a credential triple without saving it.
func (api *AdminAPI) TestCredentials(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	var req AccountRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.ServiceEmail == "" || req.PrivateKey == "" {
		response.WriteJSONError(w, http.StatusBadRequest, accounts.ErrIncompleteCredential.Error())
		return
	}

	res := api.Accounts.TestCredentials(r.Context(), dispatch.Credential{
		ProjectID:    req.ProjectID,
		ServiceEmail: req.ServiceEmail,
		PrivateKey:   []byte(req.PrivateKey),
	})
	writeJSON(w, http.StatusOK, res)
}

// --- History ---

func (api *AdminAPI) ListHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.operator(w, r); !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.WriteJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := api.History.List(r.Context(), limit)
	if err != nil {
		api.writeError(w, "list history", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Errors ---

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	var rejected *dispatch.ProviderRejectedError
	var initErr *dispatch.ProviderInitError
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrDuplicateName), errors.Is(err, dispatch.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrInvalidTopic),
		errors.Is(err, dispatch.ErrNoTargetsResolved),
		errors.Is(err, accounts.ErrIncompleteCredential):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNoProviderAvailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &rejected), errors.As(err, &initErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (api *AdminAPI) writeError(w http.ResponseWriter, action string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		api.Logger.Error("Request failed", "action", action, "err", err)
	} else {
		api.Logger.Warn("Request rejected", "action", action, "status", status, "err", err)
	}
	msg := err.Error()
	var codecErr *dispatch.CodecError
	if errors.As(err, &codecErr) {
		msg = "stored credentials cannot be decrypted with the configured key"
	}
	response.WriteJSONError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
