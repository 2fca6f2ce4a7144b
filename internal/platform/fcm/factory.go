package fcm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	firebase "firebase.google.com/go/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

var messagingScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/firebase.messaging",
}

const defaultTokenURI = "https://oauth2.googleapis.com/token"

// serviceAccountJSON is the minimal service-account document the Google
// credential loader accepts.
type serviceAccountJSON struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	PrivateKey  string `json:"private_key"`
	ClientEmail string `json:"client_email"`
	TokenURI    string `json:"token_uri"`
}

// Factory builds provider clients. Each client owns its HTTP transport, so
// closing it releases the connections.
type Factory struct {
	timeout time.Duration
	logger  *slog.Logger
}

func NewFactory(timeout time.Duration, logger *slog.Logger) *Factory {
	return &Factory{
		timeout: timeout,
		logger:  logger.With("component", "FCMFactory"),
	}
}

// NewClient builds a client from a credential triple. It performs the OAuth2
// handshake up front so bad credentials fail here rather than on first send.
func (f *Factory) NewClient(ctx context.Context, cred dispatch.Credential) (*Client, error) {
	if cred.ProjectID == "" || cred.ServiceEmail == "" || len(cred.PrivateKey) == 0 {
		return nil, fmt.Errorf("credential triple is incomplete")
	}

	doc, err := json.Marshal(serviceAccountJSON{
		Type:        "service_account",
		ProjectID:   cred.ProjectID,
		PrivateKey:  string(cred.PrivateKey),
		ClientEmail: cred.ServiceEmail,
		TokenURI:    defaultTokenURI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode service account: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, doc, messagingScopes...)
	if err != nil {
		return nil, fmt.Errorf("invalid service account credentials: %w", err)
	}
	tokenSource := oauth2.ReuseTokenSource(nil, creds.TokenSource)
	if _, err := tokenSource.Token(); err != nil {
		return nil, fmt.Errorf("provider authentication failed: %w", err)
	}

	transport := &http.Transport{}
	hc := &http.Client{
		Transport: &oauth2.Transport{Source: tokenSource, Base: transport},
		Timeout:   f.timeout,
	}
	return f.newClient(ctx, cred.ProjectID, hc, transport.CloseIdleConnections)
}

// NewDefaultClient builds a client from Application Default Credentials, or
// from a service-account file when one is given.
func (f *Factory) NewDefaultClient(ctx context.Context, projectID, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	mc, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
	}
	f.logger.Info("Environment default client initialized", "project_id", projectID)
	return NewClient(mc, projectID, nil), nil
}

func (f *Factory) newClient(ctx context.Context, projectID string, hc *http.Client, release func()) (*Client, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, option.WithHTTPClient(hc))
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	mc, err := app.Messaging(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
	}
	f.logger.Debug("Provider client built", "project_id", projectID)
	return NewClient(mc, projectID, release), nil
}
