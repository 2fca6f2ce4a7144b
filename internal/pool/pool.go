// Package pool owns the live provider clients, at most one per account.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tinywideclouds/go-dispatch-service/internal/credential"
	"github.com/tinywideclouds/go-dispatch-service/internal/metrics"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// CredentialSource is the part of the credential store the pool needs.
type CredentialSource interface {
	Get(ctx context.Context, id string) (*credential.Unsealed, error)
	FindDefault(ctx context.Context) (*dispatch.Account, error)
	Touch(ctx context.Context, id string) error
}

// ClientFactory builds provider clients from a credential triple.
type ClientFactory interface {
	NewClient(ctx context.Context, cred dispatch.Credential) (*fcm.Client, error)
}

// Policy records how a client was chosen.
type Policy int

const (
	PolicyExplicit Policy = iota
	PolicyDefault
	PolicyEnvironment
	PolicyFirstReady
)

func (p Policy) String() string {
	switch p {
	case PolicyExplicit:
		return "explicit"
	case PolicyDefault:
		return "default"
	case PolicyEnvironment:
		return "environment"
	case PolicyFirstReady:
		return "first_ready"
	default:
		return "unknown"
	}
}

// EnvironmentAccountID tags leases served by the process-wide default client.
const EnvironmentAccountID = "environment"

// Lease is a client borrowed for the duration of one call. It must not be
// retained across calls, and Release must be called when the call ends. An
// account evicted while a lease is out keeps its client open until then.
type Lease struct {
	AccountID string
	Policy    Policy
	Client    *fcm.Client

	held bool
}

// Release returns the lease. It is a no-op on a lease the pool did not issue.
func (l *Lease) Release() {
	if l == nil || !l.held {
		return
	}
	l.held = false
	l.Client.Release()
}

// maxLeaseAttempts bounds retries when a client is evicted between lookup and
// acquisition.
const maxLeaseAttempts = 3

var errClientEvicted = errors.New("client evicted during resolve")

type state int

const (
	stateInitializing state = iota
	stateReady
)

type entry struct {
	state  state
	client *fcm.Client
}

type Option func(*Pool)

// WithEnvironmentDefault installs the client built from environment
// configuration at boot. It is used when no account is named and no default
// account exists.
func WithEnvironmentDefault(c *fcm.Client) Option {
	return func(p *Pool) { p.envClient = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithInitTimeout bounds a single client construction.
func WithInitTimeout(d time.Duration) Option {
	return func(p *Pool) { p.initTimeout = d }
}

// Pool is an owned registry of provider clients keyed by account id. The map
// lock is only held for map access, never across I/O; construction is guarded
// per account id so concurrent resolves of one account build one client.
type Pool struct {
	store   CredentialSource
	factory ClientFactory
	logger  *slog.Logger
	metrics *metrics.Metrics

	initTimeout time.Duration
	envClient   *fcm.Client

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*entry
	gens    map[string]uint64
}

func New(store CredentialSource, factory ClientFactory, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		store:       store,
		factory:     factory,
		logger:      logger.With("component", "ClientPool"),
		initTimeout: 30 * time.Second,
		entries:     make(map[string]*entry),
		gens:        make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve returns a client for accountID. With an empty accountID the
// precedence is: the default account, the environment default client, then
// the first ready client in account id order.
func (p *Pool) Resolve(ctx context.Context, accountID string) (*Lease, error) {
	if accountID != "" {
		return p.leaseAccount(ctx, accountID, PolicyExplicit)
	}

	acc, err := p.store.FindDefault(ctx)
	switch {
	case err == nil:
		return p.leaseAccount(ctx, acc.ID, PolicyDefault)
	case !errors.Is(err, dispatch.ErrNotFound):
		return nil, fmt.Errorf("failed to look up default account: %w", err)
	}

	if p.envClient != nil && p.envClient.Acquire() {
		return &Lease{AccountID: EnvironmentAccountID, Policy: PolicyEnvironment, Client: p.envClient, held: true}, nil
	}

	for attempt := 0; attempt < maxLeaseAttempts; attempt++ {
		id, client, ok := p.firstReady()
		if !ok {
			break
		}
		if !client.Acquire() {
			continue
		}
		p.logger.Warn("No default account configured; falling back to first ready client", "account_id", id)
		p.touch(ctx, id)
		return &Lease{AccountID: id, Policy: PolicyFirstReady, Client: client, held: true}, nil
	}

	return nil, dispatch.ErrNoProviderAvailable
}

// leaseAccount resolves and acquires a named account's client, rebuilding it
// if an eviction closes it before it is acquired.
func (p *Pool) leaseAccount(ctx context.Context, id string, policy Policy) (*Lease, error) {
	for attempt := 0; attempt < maxLeaseAttempts; attempt++ {
		client, err := p.acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		if client.Acquire() {
			return &Lease{AccountID: id, Policy: policy, Client: client, held: true}, nil
		}
	}
	return nil, &dispatch.ProviderInitError{AccountID: id, Err: errClientEvicted}
}

func (p *Pool) acquire(ctx context.Context, id string) (*fcm.Client, error) {
	if c := p.ready(id); c != nil {
		p.touch(ctx, id)
		return c, nil
	}

	v, err, _ := p.group.Do(id, func() (any, error) {
		// A caller that missed the map just before the previous flight stored
		// its client must not start a second construction.
		if c := p.ready(id); c != nil {
			return c, nil
		}
		return p.initialize(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	p.touch(ctx, id)
	return v.(*fcm.Client), nil
}

func (p *Pool) initialize(ctx context.Context, id string) (*fcm.Client, error) {
	// Waiters share this construction, so it must not die with the first
	// caller's context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.initTimeout)
	defer cancel()

	p.mu.Lock()
	gen := p.gens[id]
	p.entries[id] = &entry{state: stateInitializing}
	p.mu.Unlock()

	unsealed, err := p.store.Get(ctx, id)
	if err != nil {
		p.abort(id, gen)
		if errors.Is(err, dispatch.ErrNotFound) {
			return nil, fmt.Errorf("account %s: %w", id, err)
		}
		return nil, &dispatch.ProviderInitError{AccountID: id, Err: err}
	}
	defer unsealed.Wipe()

	if !unsealed.IsActive {
		p.abort(id, gen)
		return nil, fmt.Errorf("account %s is inactive: %w", id, dispatch.ErrNotFound)
	}

	start := time.Now()
	client, err := p.factory.NewClient(ctx, unsealed.Credential)
	if err != nil {
		p.abort(id, gen)
		p.metrics.ObservePoolInit(false, p.readyCount())
		p.logger.Error("Provider client construction failed", "account_id", id, "err", err)
		return nil, &dispatch.ProviderInitError{AccountID: id, Err: err}
	}

	p.mu.Lock()
	if p.gens[id] != gen {
		p.mu.Unlock()
		client.Close()
		return nil, &dispatch.ProviderInitError{AccountID: id, Err: errors.New("account evicted during initialization")}
	}
	p.entries[id] = &entry{state: stateReady, client: client}
	ready := p.readyCountLocked()
	p.mu.Unlock()

	p.metrics.ObservePoolInit(true, ready)
	p.logger.Info("Provider client ready", "account_id", id, "elapsed", time.Since(start))
	return client, nil
}

func (p *Pool) abort(id string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok && e.state == stateInitializing && p.gens[id] == gen {
		delete(p.entries, id)
	}
}

// Evict drops an account's client from the pool. The client is closed once
// every outstanding lease on it has been released, so a dispatch in progress
// finishes on the old credentials. Evicting an absent account is a no-op.
func (p *Pool) Evict(id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	delete(p.entries, id)
	p.gens[id]++
	ready := p.readyCountLocked()
	p.mu.Unlock()

	p.group.Forget(id)
	if ok && e.client != nil {
		e.client.Close()
		p.logger.Info("Provider client evicted", "account_id", id)
	}
	p.metrics.SetPoolReady(ready)
}

// Ready lists the account ids with a ready client, sorted.
func (p *Pool) Ready() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.entries))
	for id, e := range p.entries {
		if e.state == stateReady {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close evicts every client, including the environment default.
func (p *Pool) Close() {
	for _, id := range p.Ready() {
		p.Evict(id)
	}
	if p.envClient != nil {
		p.envClient.Close()
	}
}

func (p *Pool) ready(id string) *fcm.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.entries[id]; ok && e.state == stateReady {
		return e.client
	}
	return nil
}

func (p *Pool) firstReady() (string, *fcm.Client, bool) {
	ids := p.Ready()
	for _, id := range ids {
		if c := p.ready(id); c != nil {
			return id, c, true
		}
	}
	return "", nil, false
}

func (p *Pool) readyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readyCountLocked()
}

func (p *Pool) readyCountLocked() int {
	n := 0
	for _, e := range p.entries {
		if e.state == stateReady {
			n++
		}
	}
	return n
}

func (p *Pool) touch(ctx context.Context, id string) {
	if err := p.store.Touch(ctx, id); err != nil {
		p.logger.Warn("Failed to update account last-used time", "account_id", id, "err", err)
	}
}
