// Package pool keeps at most one live agent per tenant and bounds how many
// agents may be initializing at once.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/jholhewres/groupcast/pkg/groupcast/agent"
	"github.com/jholhewres/groupcast/pkg/groupcast/metrics"
)

// ErrClosed is returned by Ensure after Close.
var ErrClosed = errors.New("pool: closed")

// Factory builds a new, not yet started agent for tenant.
type Factory func(ctx context.Context, tenant string) (*agent.Agent, error)

// Config configures the pool.
type Config struct {
	// MaxConcurrentClients bounds concurrent agent initializations.
	MaxConcurrentClients int `yaml:"max_concurrent_clients"`
}

// pendingOp marks an in-flight initialization. Duplicate Ensure calls wait on
// done and share the outcome.
type pendingOp struct {
	done  chan struct{}
	agent *agent.Agent
	err   error
}

// Pool is the tenant → agent registry.
type Pool struct {
	factory Factory
	sem     *semaphore.Weighted
	logger  *slog.Logger

	mu           sync.Mutex
	agents       map[string]*agent.Agent
	pending      map[string]*pendingOp
	initializing int
	closed       bool
}

// New creates a pool.
func New(cfg Config, factory Factory, logger *slog.Logger) *Pool {
	if cfg.MaxConcurrentClients < 1 {
		cfg.MaxConcurrentClients = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		factory: factory,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentClients)),
		logger:  logger.With("component", "pool"),
		agents:  make(map[string]*agent.Agent),
		pending: make(map[string]*pendingOp),
	}
}

// Ensure returns the tenant's agent, creating and starting one when there is
// none or the existing one is stale. Concurrent calls for the same tenant
// share a single initialization.
func (p *Pool) Ensure(ctx context.Context, tenant string) (*agent.Agent, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if a, ok := p.agents[tenant]; ok && !a.Stale() {
		p.mu.Unlock()
		return a, nil
	}
	if op, ok := p.pending[tenant]; ok {
		p.mu.Unlock()
		select {
		case <-op.done:
			return op.agent, op.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	op := &pendingOp{done: make(chan struct{})}
	p.pending[tenant] = op
	stale := p.agents[tenant]
	delete(p.agents, tenant)
	p.mu.Unlock()

	if stale != nil {
		p.logger.Info("replacing stale agent", "tenant", tenant, "state", stale.State())
		stale.Release()
	}

	op.agent, op.err = p.create(ctx, tenant)

	p.mu.Lock()
	delete(p.pending, tenant)
	if op.err == nil {
		if p.closed {
			op.agent.Release()
			op.agent, op.err = nil, ErrClosed
		} else {
			p.agents[tenant] = op.agent
		}
	}
	metrics.SetPoolAgents(len(p.agents))
	p.mu.Unlock()
	close(op.done)

	return op.agent, op.err
}

func (p *Pool) create(ctx context.Context, tenant string) (*agent.Agent, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for init slot: %w", err)
	}
	p.setInitializing(+1)
	defer func() {
		p.setInitializing(-1)
		p.sem.Release(1)
	}()

	a, err := p.factory(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("creating agent for %s: %w", tenant, err)
	}
	a.OnFailed(p.evict)

	if err := a.Start(ctx); err != nil {
		a.Release()
		return nil, fmt.Errorf("starting agent for %s: %w", tenant, err)
	}
	p.logger.Info("agent started", "tenant", tenant)
	return a, nil
}

func (p *Pool) setInitializing(delta int) {
	p.mu.Lock()
	p.initializing += delta
	n := p.initializing
	p.mu.Unlock()
	metrics.SetPoolInitializing(n)
}

// evict drops a failed agent, but only while it is still the registered one.
func (p *Pool) evict(a *agent.Agent) {
	p.mu.Lock()
	cur, ok := p.agents[a.Tenant()]
	if ok && cur == a {
		delete(p.agents, a.Tenant())
	}
	n := len(p.agents)
	p.mu.Unlock()

	a.Release()
	if ok && cur == a {
		p.logger.Warn("failed agent removed", "tenant", a.Tenant(), "status", a.Status().Status)
		metrics.SetPoolAgents(n)
	}
}

// Get returns the registered agent of tenant.
func (p *Pool) Get(tenant string) (*agent.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[tenant]
	return a, ok
}

// Remove releases and unregisters the tenant's agent. It reports whether an
// agent was registered.
func (p *Pool) Remove(tenant string) bool {
	p.mu.Lock()
	a, ok := p.agents[tenant]
	delete(p.agents, tenant)
	n := len(p.agents)
	p.mu.Unlock()

	if ok {
		a.Release()
		metrics.SetPoolAgents(n)
	}
	return ok
}

// Tenants returns the registered tenant ids in order.
func (p *Pool) Tenants() []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.agents))
	for t := range p.agents {
		out = append(out, t)
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}

// Initializing returns how many agents currently hold an init slot.
func (p *Pool) Initializing() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initializing
}

// Close releases every agent. Later Ensure calls fail with ErrClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	agents := make([]*agent.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		agents = append(agents, a)
	}
	p.agents = make(map[string]*agent.Agent)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Release()
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		metrics.SetPoolAgents(0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
