// Package control is the operational surface over tenant agents and their
// stored sessions. The HTTP gateway, the CLI and the scheduler all go
// through a Manager.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/groupcast/pkg/groupcast/agent"
	"github.com/jholhewres/groupcast/pkg/groupcast/delivery"
	"github.com/jholhewres/groupcast/pkg/groupcast/groups"
	"github.com/jholhewres/groupcast/pkg/groupcast/pool"
	"github.com/jholhewres/groupcast/pkg/groupcast/session"
)

var (
	// ErrNoAgent is returned when an operation needs a running agent.
	ErrNoAgent = errors.New("control: no agent for tenant")

	// ErrNoSession is returned when a tenant has no stored session.
	ErrNoSession = errors.New("control: no stored session")

	// ErrInvalidTenant is returned for malformed tenant ids.
	ErrInvalidTenant = errors.New("control: invalid tenant id")

	// ErrNotReady is returned when an agent did not become ready in time.
	ErrNotReady = errors.New("control: agent not ready")
)

// ClientFactory builds the messaging client of tenant over profileDir.
type ClientFactory func(tenant, profileDir string) agent.Client

// Preparer checks that a slot has everything it needs.
type Preparer interface {
	Prepare(ctx context.Context, tenant string, weekday time.Weekday) bool
}

// Config configures the manager.
type Config struct {
	Agent agent.Config `yaml:"agent"`
	Pool  pool.Config  `yaml:"pool"`

	// CleanupMaxAgeDays is the default age after which orphaned sessions are
	// removed by CleanupSessions.
	CleanupMaxAgeDays int `yaml:"cleanup_max_age_days"`
}

// Summary describes a tenant session together with its live agent.
type Summary struct {
	session.Info
	Stored    bool   `json:"stored"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

// CleanupReport lists the sessions removed by CleanupSessions.
type CleanupReport struct {
	Removed []string  `json:"removed"`
	Kept    int       `json:"kept"`
	Cutoff  time.Time `json:"cutoff"`
}

// Manager owns the agent pool and the operations on tenant sessions.
type Manager struct {
	cfg       Config
	sessions  *session.Store
	groups    *groups.Registry
	newClient ClientFactory
	pool      *pool.Pool
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	preparer Preparer
}

// New creates a manager. groups may be nil to disable group discovery.
func New(cfg Config, sessions *session.Store, groupRegistry *groups.Registry, newClient ClientFactory, logger *slog.Logger) *Manager {
	if cfg.CleanupMaxAgeDays <= 0 {
		cfg.CleanupMaxAgeDays = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		sessions:  sessions,
		groups:    groupRegistry,
		newClient: newClient,
		logger:    logger.With("component", "control"),
		now:       time.Now,
	}
	m.pool = pool.New(cfg.Pool, m.newAgent, logger)
	return m
}

// SetPreparer installs the slot check used by Warm.
func (m *Manager) SetPreparer(p Preparer) {
	m.mu.Lock()
	m.preparer = p
	m.mu.Unlock()
}

// newAgent is the pool factory. It restores the stored session when the
// local profile has no device store yet, then wires group discovery.
func (m *Manager) newAgent(ctx context.Context, tenant string) (*agent.Agent, error) {
	dir := m.sessions.ProfileDir(tenant)
	if _, err := os.Stat(filepath.Join(dir, agent.DeviceDBName)); errors.Is(err, os.ErrNotExist) {
		if n := m.sessions.Restore(ctx, tenant); n > 0 {
			m.logger.Info("profile restored from storage", "tenant", tenant, "files", n)
		}
	}

	a := agent.New(tenant, m.newClient(tenant, dir), m.sessions, m.cfg.Agent, m.logger)
	if m.groups != nil {
		a.OnGroupActivity(func(ctx context.Context, groupID string) {
			m.groups.Observe(ctx, tenant, groupID, a.ChatName)
		})
	}
	return a, nil
}

func validate(tenant string) error {
	if !session.ValidTenant(tenant) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return nil
}

// EnsureAgent starts the tenant agent unless a live one exists.
func (m *Manager) EnsureAgent(ctx context.Context, tenant string) (agent.Status, error) {
	if err := validate(tenant); err != nil {
		return agent.Status{}, err
	}
	a, err := m.pool.Ensure(ctx, tenant)
	if err != nil {
		return agent.Status{Status: agent.StatusError, Reason: err.Error(), UpdatedAt: m.now()}, err
	}
	return a.Status(), nil
}

// AgentState returns the status of the tenant agent. Tenants without an agent
// report disconnected.
func (m *Manager) AgentState(tenant string) agent.Status {
	a, ok := m.pool.Get(tenant)
	if !ok {
		return agent.Status{Status: agent.StatusDisconnected, UpdatedAt: m.now()}
	}
	return a.Status()
}

// RestartAgent releases the tenant agent, keeping its session, and starts a
// new one.
func (m *Manager) RestartAgent(ctx context.Context, tenant string) (agent.Status, error) {
	if err := validate(tenant); err != nil {
		return agent.Status{}, err
	}
	if a, ok := m.pool.Get(tenant); ok {
		a.Backup(ctx)
	}
	m.pool.Remove(tenant)
	m.logger.Info("restarting agent", "tenant", tenant)
	return m.EnsureAgent(ctx, tenant)
}

// LogoutAgent saves the session and releases the agent. The stored session
// is kept.
func (m *Manager) LogoutAgent(ctx context.Context, tenant string) error {
	a, ok := m.pool.Get(tenant)
	if !ok {
		return ErrNoAgent
	}
	if !a.Logout(ctx) {
		m.logger.Warn("session not saved on logout", "tenant", tenant)
	}
	m.pool.Remove(tenant)
	m.logger.Info("agent logged out", "tenant", tenant)
	return nil
}

// DeleteSessionPermanently unlinks the device, releases the agent and removes
// every stored and local trace of the tenant session.
func (m *Manager) DeleteSessionPermanently(ctx context.Context, tenant string) error {
	if err := validate(tenant); err != nil {
		return err
	}
	if a, ok := m.pool.Get(tenant); ok {
		if err := a.Unlink(ctx); err != nil {
			m.logger.Warn("unlinking device failed", "tenant", tenant, "error", err)
		}
		m.pool.Remove(tenant)
	}
	if m.groups != nil {
		if err := m.groups.Forget(tenant); err != nil {
			m.logger.Warn("removing group cache failed", "tenant", tenant, "error", err)
		}
	}
	if !m.sessions.DeletePermanently(ctx, tenant) {
		return fmt.Errorf("deleting session of %s: stored files not fully removed", tenant)
	}
	m.logger.Info("session deleted permanently", "tenant", tenant)
	return nil
}

func (m *Manager) summarize(info session.Info, stored bool) Summary {
	st := m.AgentState(info.TenantID)
	return Summary{Info: info, Stored: stored, Status: st.Status, Connected: st.Connected}
}

// Sessions lists stored sessions and running agents, ordered by tenant.
func (m *Manager) Sessions(ctx context.Context) []Summary {
	seen := make(map[string]bool)
	var out []Summary
	for _, info := range m.sessions.List(ctx) {
		seen[info.TenantID] = true
		out = append(out, m.summarize(info, true))
	}
	for _, tenant := range m.pool.Tenants() {
		if !seen[tenant] {
			out = append(out, m.summarize(session.Info{TenantID: tenant}, false))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// SessionInfo describes the session of tenant.
func (m *Manager) SessionInfo(ctx context.Context, tenant string) (Summary, error) {
	if err := validate(tenant); err != nil {
		return Summary{}, err
	}
	info, ok := m.sessions.Info(ctx, tenant)
	if !ok {
		if _, running := m.pool.Get(tenant); !running {
			return Summary{}, ErrNoSession
		}
		info = session.Info{TenantID: tenant}
	}
	return m.summarize(info, ok), nil
}

// CleanupSessions deletes stored sessions without a live agent whose last
// save is older than maxAgeDays. Zero uses the configured default.
func (m *Manager) CleanupSessions(ctx context.Context, maxAgeDays int) (CleanupReport, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = m.cfg.CleanupMaxAgeDays
	}
	report := CleanupReport{Removed: []string{}, Cutoff: m.now().AddDate(0, 0, -maxAgeDays)}

	var errs []error
	for _, info := range m.sessions.List(ctx) {
		if a, ok := m.pool.Get(info.TenantID); ok && a.Live() {
			report.Kept++
			continue
		}
		if !info.LastModified.Before(report.Cutoff) {
			report.Kept++
			continue
		}
		if err := m.DeleteSessionPermanently(ctx, info.TenantID); err != nil {
			errs = append(errs, err)
			report.Kept++
			continue
		}
		report.Removed = append(report.Removed, info.TenantID)
	}
	m.logger.Info("session cleanup", "removed", len(report.Removed), "kept", report.Kept, "max_age_days", maxAgeDays)
	return report, errors.Join(errs...)
}

// BackupSession saves the tenant session now, bypassing the throttle.
func (m *Manager) BackupSession(ctx context.Context, tenant string) error {
	a, ok := m.pool.Get(tenant)
	if !ok {
		return ErrNoAgent
	}
	if !a.Backup(ctx) {
		return fmt.Errorf("backup of %s incomplete", tenant)
	}
	return nil
}

// ForceReady marks the tenant agent ready if its client is connected.
func (m *Manager) ForceReady(tenant string) (agent.Status, error) {
	a, ok := m.pool.Get(tenant)
	if !ok {
		return agent.Status{}, ErrNoAgent
	}
	if !a.ForceReady() {
		return a.Status(), ErrNotReady
	}
	return a.Status(), nil
}

// RestoreAll starts an agent for every tenant with a stored session. Starts
// run concurrently within the pool bound. It returns how many started.
func (m *Manager) RestoreAll(ctx context.Context) int {
	infos := m.sessions.List(ctx)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for _, info := range infos {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			if _, err := m.EnsureAgent(ctx, tenant); err != nil {
				m.logger.Warn("restoring agent failed", "tenant", tenant, "error", err)
				return
			}
			mu.Lock()
			started++
			mu.Unlock()
		}(info.TenantID)
	}
	wg.Wait()
	m.logger.Info("stored sessions restored", "sessions", len(infos), "started", started)
	return started
}

// ReadyAgent ensures the tenant agent and waits until it is ready and
// connected.
func (m *Manager) ReadyAgent(ctx context.Context, tenant string) (*agent.Agent, error) {
	if err := validate(tenant); err != nil {
		return nil, err
	}
	a, err := m.pool.Ensure(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if err := a.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotReady, tenant, err)
	}
	if !a.Live() {
		return nil, fmt.Errorf("%w: %s lost its connection", ErrNotReady, tenant)
	}
	return a, nil
}

// Warm checks the slot content of tenant and makes sure its agent is
// starting, so it has time to log in before the slot runs.
func (m *Manager) Warm(ctx context.Context, tenant string, weekday time.Weekday, hour int) error {
	m.mu.Lock()
	p := m.preparer
	m.mu.Unlock()
	if p != nil && !p.Prepare(ctx, tenant, weekday) {
		return delivery.ErrIncomplete
	}
	if _, err := m.EnsureAgent(ctx, tenant); err != nil {
		return err
	}
	m.logger.Info("tenant prepared", "tenant", tenant, "weekday", weekday, "hour", hour)
	return nil
}

// DeliverySource adapts the manager to delivery.AgentSource.
func (m *Manager) DeliverySource() delivery.AgentSource {
	return deliverySource{m}
}

type deliverySource struct{ m *Manager }

func (s deliverySource) ReadyAgent(ctx context.Context, tenant string) (delivery.Sender, error) {
	a, err := s.m.ReadyAgent(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Tenants returns the tenants with a registered agent.
func (m *Manager) Tenants() []string {
	return m.pool.Tenants()
}

// Close saves the session of every ready agent, then releases them all.
func (m *Manager) Close(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, tenant := range m.pool.Tenants() {
		a, ok := m.pool.Get(tenant)
		if !ok || a.State() != agent.StateReady {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !a.Backup(ctx) {
				m.logger.Warn("final session save incomplete", "tenant", tenant)
			}
		}()
	}
	wg.Wait()
	return m.pool.Close(ctx)
}
