// Package agent implements the per-tenant session agent: a state machine over
// a messaging client that tracks login progress, keeps the stored session
// fresh and gates deliveries on a live connection.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/groupcast/pkg/groupcast/metrics"
	"github.com/jholhewres/groupcast/pkg/groupcast/retry"
)

// Config holds agent timing.
type Config struct {
	// ReadyFallback is how long an authenticated agent waits for the ready
	// signal before checking connectivity itself.
	ReadyFallback time.Duration `yaml:"ready_fallback"`

	// PeriodicSave is the save interval while ready.
	PeriodicSave time.Duration `yaml:"periodic_save"`

	// PostReadySave is the delay of the one-shot save after ready.
	PostReadySave time.Duration `yaml:"post_ready_save"`

	// SaveTimeout bounds a background save.
	SaveTimeout time.Duration `yaml:"save_timeout"`

	// WaitReady is the polling policy of WaitReady.
	WaitReady retry.Policy `yaml:"wait_ready"`
}

// DefaultConfig returns the default agent timing.
func DefaultConfig() Config {
	return Config{
		ReadyFallback: 190 * time.Second,
		PeriodicSave:  5 * time.Minute,
		PostReadySave: 10 * time.Second,
		SaveTimeout:   2 * time.Minute,
		WaitReady:     retry.Constant(30, 2*time.Second),
	}
}

// timer is a generation-tagged one-shot timer. A callback whose generation no
// longer matches the slot is dropped.
type timer struct {
	t   *time.Timer
	gen uint64
}

// Agent drives one tenant's client.
type Agent struct {
	tenant   string
	cfg      Config
	client   Client
	sessions Sessions
	logger   *slog.Logger

	onGroup  func(ctx context.Context, groupID string)
	onFailed func(*Agent)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	failedBy  EventKind
	reason    string
	challenge string
	updatedAt time.Time
	released  bool

	gen       uint64
	fallback  timer
	periodic  timer
	postReady timer
}

// New creates an agent for tenant. Zero config fields take defaults.
func New(tenant string, client Client, sessions Sessions, cfg Config, logger *slog.Logger) *Agent {
	def := DefaultConfig()
	if cfg.ReadyFallback <= 0 {
		cfg.ReadyFallback = def.ReadyFallback
	}
	if cfg.PeriodicSave <= 0 {
		cfg.PeriodicSave = def.PeriodicSave
	}
	if cfg.PostReadySave <= 0 {
		cfg.PostReadySave = def.PostReadySave
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = def.SaveTimeout
	}
	if cfg.WaitReady.Attempts <= 0 {
		cfg.WaitReady = def.WaitReady
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		tenant:    tenant,
		cfg:       cfg,
		client:    client,
		sessions:  sessions,
		logger:    logger.With("component", "agent", "tenant", tenant),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateUnauthenticated,
		updatedAt: time.Now(),
	}
}

// OnGroupActivity registers the observer of group chat activity. Must be
// called before Start.
func (a *Agent) OnGroupActivity(fn func(ctx context.Context, groupID string)) {
	a.onGroup = fn
}

// OnFailed registers the callback invoked once the agent enters the failed
// state. Must be called before Start.
func (a *Agent) OnFailed(fn func(*Agent)) {
	a.onFailed = fn
}

// Tenant returns the tenant id.
func (a *Agent) Tenant() string { return a.tenant }

// Start connects the client. A start error moves the agent to failed.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("starting client")
	if err := a.client.Start(ctx, a.HandleEvent); err != nil {
		a.HandleEvent(Event{Kind: EventInitFailed, Reason: err.Error()})
		return err
	}
	return nil
}

// HandleEvent applies a client event. Events not allowed from the current
// state are ignored.
func (a *Agent) HandleEvent(evt Event) {
	if evt.Kind == EventGroupActivity {
		if a.onGroup != nil && evt.GroupID != "" {
			go a.onGroup(a.ctx, evt.GroupID)
		}
		return
	}

	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	from := a.state
	to, ok := next(from, evt.Kind)
	if !ok {
		a.mu.Unlock()
		a.logger.Debug("ignoring event", "state", from, "event", evt.Kind)
		return
	}
	after := a.enter(to, evt)
	a.mu.Unlock()

	metrics.RecordTransition(string(from), string(to))
	if evt.Reason != "" {
		a.logger.Info("state changed", "from", from, "to", to, "event", evt.Kind, "reason", evt.Reason)
	} else {
		a.logger.Info("state changed", "from", from, "to", to, "event", evt.Kind)
	}
	for _, fn := range after {
		fn()
	}
}

// enter switches to state to and runs its entry actions. Caller holds mu.
// The returned funcs must run after mu is released.
func (a *Agent) enter(to State, evt Event) []func() {
	a.state = to
	a.updatedAt = time.Now()

	var after []func()
	switch to {
	case StateAwaitingScan:
		a.challenge = evt.Challenge

	case StateAuthenticated:
		a.challenge = ""
		a.arm(&a.fallback, a.cfg.ReadyFallback, func(uint64) { a.compensateMissingReady(false) })
		after = append(after, func() { go a.backgroundSave() })

	case StateReady:
		a.challenge = ""
		a.stop(&a.fallback)
		a.armPeriodic()
		a.arm(&a.postReady, a.cfg.PostReadySave, func(uint64) { a.backgroundSave() })

	case StateDisconnected:
		a.stopAll()

	case StateFailed:
		a.stopAll()
		a.failedBy = evt.Kind
		a.reason = evt.Reason
		if a.onFailed != nil {
			after = append(after, func() { go a.onFailed(a) })
		}
	}
	return after
}

// arm replaces the timer in slot. Caller holds mu.
func (a *Agent) arm(slot *timer, d time.Duration, fn func(gen uint64)) {
	a.stop(slot)
	a.gen++
	gen := a.gen
	slot.gen = gen
	slot.t = time.AfterFunc(d, func() {
		a.mu.Lock()
		if slot.gen != gen || a.released {
			a.mu.Unlock()
			return
		}
		slot.t = nil
		a.mu.Unlock()
		fn(gen)
	})
}

// armPeriodic schedules the next periodic save. The timer re-arms itself only
// while the agent is still ready and the slot was not re-armed meanwhile.
// Caller holds mu.
func (a *Agent) armPeriodic() {
	a.arm(&a.periodic, a.cfg.PeriodicSave, func(gen uint64) {
		a.backgroundSave()
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.state == StateReady && !a.released && a.periodic.gen == gen {
			a.armPeriodic()
		}
	})
}

func (a *Agent) stop(slot *timer) {
	if slot.t != nil {
		slot.t.Stop()
		slot.t = nil
	}
	slot.gen = 0
}

func (a *Agent) stopAll() {
	a.stop(&a.fallback)
	a.stop(&a.periodic)
	a.stop(&a.postReady)
}

// backgroundSave runs a throttled save bound to the agent lifetime.
func (a *Agent) backgroundSave() bool {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.SaveTimeout)
	defer cancel()
	return a.sessions.Save(ctx, a.tenant)
}

// compensateMissingReady covers clients that connect without emitting the
// ready signal. It moves the agent to ready only when the client reports a
// live connection. Unless force is set the agent must still be authenticated.
func (a *Agent) compensateMissingReady(force bool) bool {
	a.mu.Lock()
	state, released := a.state, a.released
	a.mu.Unlock()
	if released {
		return false
	}
	if state == StateReady {
		return true
	}
	if !force && state != StateAuthenticated {
		return false
	}

	conn := a.client.Connectivity()
	if conn != ConnConnected {
		a.logger.Warn("ready signal missing and client not connected", "connectivity", conn)
		return false
	}

	if !force {
		a.logger.Info("ready signal missing, client connected; assuming ready")
		a.HandleEvent(Event{Kind: EventReadyFallback})
		return a.State() == StateReady
	}

	a.mu.Lock()
	if a.released || a.state == StateReady {
		ok := a.state == StateReady
		a.mu.Unlock()
		return ok
	}
	from := a.state
	a.enter(StateReady, Event{Kind: EventReadyFallback})
	a.mu.Unlock()

	metrics.RecordTransition(string(from), string(StateReady))
	a.logger.Info("forced ready", "from", from)
	return true
}

// State returns the current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status returns the externally visible snapshot.
func (a *Agent) Status() Status {
	a.mu.Lock()
	st := Status{
		Challenge: a.challenge,
		Status:    statusFor(a.state, a.failedBy),
		Reason:    a.reason,
		UpdatedAt: a.updatedAt,
	}
	ready := a.state == StateReady && !a.released
	a.mu.Unlock()

	st.Connected = ready && a.client.Connectivity() == ConnConnected
	return st
}

// Live reports whether the agent is ready and its client connected.
func (a *Agent) Live() bool {
	a.mu.Lock()
	ready := a.state == StateReady && !a.released
	a.mu.Unlock()
	return ready && a.client.Connectivity() == ConnConnected
}

// Stale reports whether the agent should be replaced: released, failed,
// disconnected, or ready with a dead connection.
func (a *Agent) Stale() bool {
	a.mu.Lock()
	state, released := a.state, a.released
	a.mu.Unlock()
	switch {
	case released, state == StateFailed, state == StateDisconnected:
		return true
	case state == StateReady:
		return a.client.Connectivity() != ConnConnected
	}
	return false
}

// WaitReady polls until the agent is live.
func (a *Agent) WaitReady(ctx context.Context) error {
	if a.Live() {
		return nil
	}
	return retry.Until(ctx, a.cfg.WaitReady, func(context.Context) bool { return a.Live() })
}

// Send posts media with a caption to groupID after re-checking the
// connection.
func (a *Agent) Send(ctx context.Context, groupID string, media Media, caption string) error {
	if !a.Live() {
		return ErrNotConnected
	}
	return a.client.SendMedia(ctx, groupID, media, caption)
}

// ChatName resolves the name of groupID.
func (a *Agent) ChatName(ctx context.Context, groupID string) (string, error) {
	return a.client.ChatName(ctx, groupID)
}

// Backup saves the session immediately.
func (a *Agent) Backup(ctx context.Context) bool {
	return a.sessions.ForceSave(ctx, a.tenant)
}

// ForceReady marks the agent ready if its client is connected, whatever the
// current state.
func (a *Agent) ForceReady() bool {
	return a.compensateMissingReady(true)
}

// Logout saves the session and releases the client. The stored session is
// kept so the tenant can be started again without a new scan.
func (a *Agent) Logout(ctx context.Context) bool {
	saved := a.sessions.ForceSave(ctx, a.tenant)
	a.Release()
	return saved
}

// Unlink removes the device from the account when the client supports it.
func (a *Agent) Unlink(ctx context.Context) error {
	if u, ok := a.client.(Unlinker); ok {
		return u.Unlink(ctx)
	}
	return nil
}

// Release stops every timer and destroys the client. It is idempotent.
func (a *Agent) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	a.stopAll()
	a.mu.Unlock()

	a.cancel()
	a.client.Destroy()
	a.logger.Info("agent released")
}
