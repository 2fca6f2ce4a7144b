// Package fcm adapts the Firebase Cloud Messaging SDK to the dispatch service:
// client construction from account credentials and provider error codes.
package fcm

import (
	"context"
	"sync"

	"firebase.google.com/go/v4/messaging"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it; tests substitute a mock.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendDryRun(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
	UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
}

// Client is a live, authenticated provider handle. Callers that share a client
// bracket their use with Acquire and Release; Close then waits for the last
// outstanding use before releasing the transport.
type Client struct {
	MessagingClient
	ProjectID string

	mu      sync.Mutex
	inUse   int
	closing bool
	closed  bool
	release func()
}

// NewClient wraps a messaging client. release, if non-nil, is called once on Close.
func NewClient(mc MessagingClient, projectID string, release func()) *Client {
	return &Client{MessagingClient: mc, ProjectID: projectID, release: release}
}

// Acquire marks the client in use. It reports false once Close has been
// called, in which case the caller must not use the client.
func (c *Client) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.inUse++
	return true
}

// Release ends one use started by Acquire.
func (c *Client) Release() {
	c.mu.Lock()
	if c.inUse > 0 {
		c.inUse--
	}
	done := c.closing && c.inUse == 0
	c.mu.Unlock()
	if done {
		c.finish()
	}
}

// Close releases the client's transport, immediately when idle or after the
// last outstanding use ends. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	c.closing = true
	idle := c.inUse == 0
	c.mu.Unlock()
	if idle {
		c.finish()
	}
}

func (c *Client) finish() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if c.release != nil {
		c.release()
	}
}

const probeTopic = "dispatch-credential-probe"

// Probe validates the credentials end-to-end with a dry-run send that the
// provider authorizes but never delivers.
func (c *Client) Probe(ctx context.Context) (string, error) {
	return c.SendDryRun(ctx, &messaging.Message{
		Topic: probeTopic,
		Data:  map[string]string{"probe": "1"},
	})
}
