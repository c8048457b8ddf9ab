package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/groupcast/pkg/groupcast/agent"
)

type stubClient struct {
	gate      chan struct{}
	conn      atomic.Value
	handler   func(agent.Event)
	startErr  error
	destroyed atomic.Int32
}

func (c *stubClient) Start(ctx context.Context, h func(agent.Event)) error {
	c.handler = h
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.startErr
}

func (c *stubClient) Connectivity() agent.Connectivity {
	if v, ok := c.conn.Load().(agent.Connectivity); ok {
		return v
	}
	return agent.ConnOpening
}

func (c *stubClient) SendMedia(context.Context, string, agent.Media, string) error { return nil }
func (c *stubClient) ChatName(context.Context, string) (string, error)             { return "", nil }
func (c *stubClient) Destroy()                                                     { c.destroyed.Add(1) }

type nopSessions struct{}

func (nopSessions) Save(context.Context, string) bool      { return true }
func (nopSessions) ForceSave(context.Context, string) bool { return true }

func TestPoolBound(t *testing.T) {
	const limit = 2
	gate := make(chan struct{})

	var created atomic.Int32
	p := New(Config{MaxConcurrentClients: limit}, func(ctx context.Context, tenant string) (*agent.Agent, error) {
		created.Add(1)
		return agent.New(tenant, &stubClient{gate: gate}, nopSessions{}, agent.Config{}, nil), nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Ensure(context.Background(), fmt.Sprintf("t%d", i)); err != nil {
				t.Errorf("Ensure: %v", err)
			}
		}()
	}

	deadline := time.Now().Add(time.Second)
	for p.Initializing() < limit && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := p.Initializing(); got != limit {
		t.Errorf("expected %d initializing agents, got %d", limit, got)
	}
	if got := created.Load(); got != limit {
		t.Errorf("only %d agents may be created while slots are held, got %d", limit, got)
	}

	close(gate)
	wg.Wait()

	if got := len(p.Tenants()); got != 6 {
		t.Errorf("expected 6 registered agents, got %d", got)
	}
	if p.Initializing() != 0 {
		t.Errorf("expected no initializing agents, got %d", p.Initializing())
	}
}

func TestEnsureDeduplicates(t *testing.T) {
	gate := make(chan struct{})
	var created atomic.Int32
	p := New(Config{MaxConcurrentClients: 5}, func(ctx context.Context, tenant string) (*agent.Agent, error) {
		created.Add(1)
		return agent.New(tenant, &stubClient{gate: gate}, nopSessions{}, agent.Config{}, nil), nil
	}, nil)

	results := make(chan *agent.Agent, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := p.Ensure(context.Background(), "42")
			if err != nil {
				t.Errorf("Ensure: %v", err)
				return
			}
			results <- a
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	if created.Load() != 1 {
		t.Errorf("expected one agent to be created, got %d", created.Load())
	}
	var first *agent.Agent
	for a := range results {
		if first == nil {
			first = a
		}
		if a != first {
			t.Error("duplicate requests must share the same agent")
		}
	}

	t.Run("idempotent for live agent", func(t *testing.T) {
		again, err := p.Ensure(context.Background(), "42")
		if err != nil || again != first {
			t.Errorf("expected the existing agent, got %v (err %v)", again, err)
		}
		if created.Load() != 1 {
			t.Error("no new agent expected")
		}
	})
}

func TestEnsureReplacesStale(t *testing.T) {
	clients := map[*agent.Agent]*stubClient{}
	var mu sync.Mutex
	p := New(Config{}, func(ctx context.Context, tenant string) (*agent.Agent, error) {
		c := &stubClient{}
		a := agent.New(tenant, c, nopSessions{}, agent.Config{}, nil)
		mu.Lock()
		clients[a] = c
		mu.Unlock()
		return a, nil
	}, nil)

	first, err := p.Ensure(context.Background(), "42")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	first.HandleEvent(agent.Event{Kind: agent.EventDisconnected})

	second, err := p.Ensure(context.Background(), "42")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if second == first {
		t.Fatal("stale agent must be replaced")
	}
	mu.Lock()
	destroyed := clients[first].destroyed.Load()
	mu.Unlock()
	if destroyed != 1 {
		t.Errorf("stale client should be destroyed once, got %d", destroyed)
	}

	t.Run("failed agent evicts itself", func(t *testing.T) {
		second.HandleEvent(agent.Event{Kind: agent.EventAuthFailed})
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if _, ok := p.Get("42"); !ok {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Error("failed agent still registered")
	})

	t.Run("late failure of replaced agent is ignored", func(t *testing.T) {
		third, err := p.Ensure(context.Background(), "42")
		if err != nil {
			t.Fatalf("Ensure: %v", err)
		}
		// first was already released; a late eviction must not drop third.
		p.evict(first)
		if got, ok := p.Get("42"); !ok || got != third {
			t.Error("current agent must survive eviction of an old instance")
		}
	})
}

func TestEnsureStartFailure(t *testing.T) {
	p := New(Config{}, func(ctx context.Context, tenant string) (*agent.Agent, error) {
		return agent.New(tenant, &stubClient{startErr: errors.New("boom")}, nopSessions{}, agent.Config{}, nil), nil
	}, nil)

	if _, err := p.Ensure(context.Background(), "42"); err == nil {
		t.Fatal("expected start failure")
	}
	if _, ok := p.Get("42"); ok {
		t.Error("failed agent must not be registered")
	}
	if p.Initializing() != 0 {
		t.Error("slot must be released after failure")
	}
}

func TestRemoveAndClose(t *testing.T) {
	p := New(Config{}, func(ctx context.Context, tenant string) (*agent.Agent, error) {
		return agent.New(tenant, &stubClient{}, nopSessions{}, agent.Config{}, nil), nil
	}, nil)
	ctx := context.Background()
	p.Ensure(ctx, "a")
	p.Ensure(ctx, "b")

	if !p.Remove("a") || p.Remove("a") {
		t.Error("Remove should report presence once")
	}
	if got := p.Tenants(); len(got) != 1 || got[0] != "b" {
		t.Errorf("unexpected tenants %v", got)
	}

	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(p.Tenants()) != 0 {
		t.Error("Close should drop every agent")
	}
	if _, err := p.Ensure(ctx, "c"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
