// Package scheduler drives deliveries on the clock of the target timezone.
// A prepare pass warms up the tenants of the next hour, an execute pass runs
// the tenants of the current hour, and a daily reset clears the slot ledger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	_ "time/tzdata" // zone database for minimal images

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/groupcast/pkg/groupcast/delivery"
	"github.com/jholhewres/groupcast/pkg/groupcast/metrics"
)

// HourSource lists the tenants scheduled at an hour.
type HourSource interface {
	TenantsForHour(ctx context.Context, hour int) ([]string, error)
}

// Warmer readies a tenant ahead of its slot.
type Warmer interface {
	Warm(ctx context.Context, tenant string, weekday time.Weekday, hour int) error
}

// Runner executes a slot.
type Runner interface {
	Run(ctx context.Context, tenant string, weekday time.Weekday, hour int) (delivery.Result, error)
}

// Config configures the scheduler.
type Config struct {
	Timezone    string        `yaml:"timezone"`
	PrepareSpec string        `yaml:"prepare_spec"`
	ExecuteSpec string        `yaml:"execute_spec"`
	ResetSpec   string        `yaml:"reset_spec"`
	TenantDelay time.Duration `yaml:"tenant_delay"`

	// PassTimeout bounds a single prepare or execute pass.
	PassTimeout time.Duration `yaml:"pass_timeout"`
}

// DefaultConfig returns the default schedule.
func DefaultConfig() Config {
	return Config{
		Timezone:    "America/Sao_Paulo",
		PrepareSpec: "*/20 * * * *",
		ExecuteSpec: "0 * * * *",
		ResetSpec:   "CRON_TZ=UTC 0 3 * * *",
		TenantDelay: 5 * time.Second,
		PassTimeout: 55 * time.Minute,
	}
}

// Scheduler runs the prepare, execute and reset passes.
type Scheduler struct {
	cfg    Config
	loc    *time.Location
	hours  HourSource
	warmer Warmer
	runner Runner
	ledger *SlotLedger
	logger *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	cron *cron.Cron

	mu      sync.Mutex
	running map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. Empty config fields take defaults.
func New(cfg Config, hours HourSource, warmer Warmer, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	if cfg.PrepareSpec == "" {
		cfg.PrepareSpec = def.PrepareSpec
	}
	if cfg.ExecuteSpec == "" {
		cfg.ExecuteSpec = def.ExecuteSpec
	}
	if cfg.ResetSpec == "" {
		cfg.ResetSpec = def.ResetSpec
	}
	if cfg.TenantDelay == 0 {
		cfg.TenantDelay = def.TenantDelay
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = def.PassTimeout
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cfg:     cfg,
		loc:     loc,
		hours:   hours,
		warmer:  warmer,
		runner:  runner,
		ledger:  NewSlotLedger(),
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		sleep:   sleepCtx,
		running: make(map[string]bool),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ledger returns the slot ledger.
func (s *Scheduler) Ledger() *SlotLedger { return s.ledger }

// Location returns the target timezone.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Start registers the cron entries and starts the clock.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(
		cron.WithLocation(s.loc),
		cron.WithParser(cron.NewParser(
			cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
	)

	entries := []struct {
		phase string
		spec  string
		fn    func()
	}{
		{"prepare", s.cfg.PrepareSpec, func() { s.pass("prepare", s.Prepare) }},
		{"execute", s.cfg.ExecuteSpec, func() { s.pass("execute", s.Execute) }},
		{"reset", s.cfg.ResetSpec, s.Reset},
	}
	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.spec, e.fn); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", e.phase, e.spec, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"timezone", s.loc.String(),
		"prepare", s.cfg.PrepareSpec,
		"execute", s.cfg.ExecuteSpec,
		"reset", s.cfg.ResetSpec,
	)
	return nil
}

// Stop stops the clock and waits briefly for running passes.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	s.logger.Info("scheduler stopped")
}

// pass runs fn unless the same phase is still running, bounded by
// PassTimeout and shielded from panics.
func (s *Scheduler) pass(phase string, fn func(ctx context.Context) (int, error)) {
	s.mu.Lock()
	if s.running[phase] {
		s.mu.Unlock()
		s.logger.Warn("previous pass still running, skipping", "phase", phase)
		metrics.IncSchedulerPass(phase + "_skipped")
		return
	}
	s.running[phase] = true
	parent := s.ctx
	s.mu.Unlock()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.cfg.PassTimeout)

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.running, phase)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.logger.Error("scheduler pass panicked", "phase", phase, "panic", r)
			metrics.IncSchedulerPass(phase + "_panic")
		}
	}()

	n, err := fn(ctx)
	if err != nil {
		s.logger.Error("scheduler pass failed", "phase", phase, "error", err)
		return
	}
	s.logger.Debug("scheduler pass done", "phase", phase, "tenants", n)
}

// Prepare warms up the tenants scheduled for the next hour. It returns how
// many tenants were warmed.
func (s *Scheduler) Prepare(ctx context.Context) (int, error) {
	metrics.IncSchedulerPass("prepare")
	slot := s.now().In(s.loc).Add(time.Hour)
	if slot.Weekday() == time.Sunday {
		s.logger.Info("sunday, no preparation")
		return 0, nil
	}

	tenants, err := s.hours.TenantsForHour(ctx, slot.Hour())
	if err != nil {
		return 0, fmt.Errorf("loading schedules: %w", err)
	}

	warmed := 0
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return warmed, ctx.Err()
		}
		if err := s.warmer.Warm(ctx, tenant, slot.Weekday(), slot.Hour()); err != nil {
			s.logger.Warn("tenant not prepared", "tenant", tenant, "hour", slot.Hour(), "error", err)
			continue
		}
		warmed++
	}
	s.logger.Info("prepare pass", "hour", slot.Hour(), "weekday", slot.Weekday(), "tenants", len(tenants), "warmed", warmed)
	return warmed, nil
}

// Execute runs every unclaimed slot of the current hour. It returns how many
// tenants were run.
func (s *Scheduler) Execute(ctx context.Context) (int, error) {
	metrics.IncSchedulerPass("execute")
	now := s.now().In(s.loc)
	if now.Weekday() == time.Sunday {
		s.logger.Info("sunday, no deliveries")
		return 0, nil
	}

	tenants, err := s.hours.TenantsForHour(ctx, now.Hour())
	if err != nil {
		return 0, fmt.Errorf("loading schedules: %w", err)
	}

	ran := 0
	for i, tenant := range tenants {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		key := SlotKey{TenantID: tenant, Weekday: now.Weekday(), Hour: now.Hour()}
		if !s.ledger.Claim(key) {
			continue
		}
		s.runSlot(ctx, key)
		ran++

		if i < len(tenants)-1 {
			if err := s.sleep(ctx, s.cfg.TenantDelay); err != nil {
				return ran, err
			}
		}
	}
	s.logger.Info("execute pass", "hour", now.Hour(), "weekday", now.Weekday(), "tenants", len(tenants), "ran", ran)
	return ran, nil
}

// runSlot runs a claimed slot and settles its claim. Slots aborted for missing
// content are released so a later tick may retry them.
func (s *Scheduler) runSlot(ctx context.Context, key SlotKey) {
	log := s.logger.With("tenant", key.TenantID, "slot", key.String())

	res, err := s.runner.Run(ctx, key.TenantID, key.Weekday, key.Hour)
	switch {
	case errors.Is(err, delivery.ErrIncomplete):
		s.ledger.Release(key)
		log.Info("slot skipped", "reason", err)
	case err != nil:
		s.ledger.Complete(key)
		log.Error("slot failed", "error", err)
	default:
		s.ledger.Complete(key)
		log.Info("slot delivered", "sent", res.Sent, "failed", res.Failed)
	}
}

// Reset clears the slot ledger.
func (s *Scheduler) Reset() {
	metrics.IncSchedulerPass("reset")
	n := s.ledger.Len()
	s.ledger.Reset()
	s.logger.Info("slot ledger reset", "cleared", n, "date", s.now().In(s.loc).Format("2006-01-02"))
}
