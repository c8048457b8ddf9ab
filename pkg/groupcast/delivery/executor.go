// Package delivery sends the scheduled content of a tenant to its groups, one
// group at a time, and records every outcome in the delivery log.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jholhewres/groupcast/pkg/groupcast/agent"
	"github.com/jholhewres/groupcast/pkg/groupcast/catalog"
	"github.com/jholhewres/groupcast/pkg/groupcast/metrics"
	"github.com/jholhewres/groupcast/pkg/groupcast/retry"
)

var (
	// ErrIncomplete means the tenant lacks media, message or groups for the
	// slot. Nothing was sent.
	ErrIncomplete = errors.New("delivery: missing media, message or groups")

	// ErrSendTimeout is recorded when a send outlives Config.SendTimeout.
	ErrSendTimeout = errors.New("delivery: send timed out")
)

// Config configures the executor.
type Config struct {
	AssetsDir      string        `yaml:"assets_dir"`
	InterSendDelay time.Duration `yaml:"inter_send_delay"`
	SendTimeout    time.Duration `yaml:"send_timeout"`

	// Lookup bounds the retries of catalog reads.
	Lookup retry.Policy `yaml:"lookup"`
}

// DefaultConfig returns the default executor settings.
func DefaultConfig() Config {
	return Config{
		AssetsDir:      "./assets",
		InterSendDelay: 5 * time.Second,
		SendTimeout:    30 * time.Second,
		Lookup:         retry.Exponential(3, 500*time.Millisecond, 2*time.Second),
	}
}

// Catalog provides the content of a slot.
type Catalog interface {
	Message(ctx context.Context, tenant string, weekday time.Weekday) (string, error)
	Groups(ctx context.Context, tenant string) ([]catalog.Group, error)
}

// Sender is a ready agent.
type Sender interface {
	Live() bool
	ChatName(ctx context.Context, groupID string) (string, error)
	Send(ctx context.Context, groupID string, media agent.Media, caption string) error
}

// AgentSource hands out ready agents.
type AgentSource interface {
	ReadyAgent(ctx context.Context, tenant string) (Sender, error)
}

// Result summarizes one executed slot.
type Result struct {
	TenantID string `json:"tenant_id"`
	Total    int    `json:"total"`
	Sent     int    `json:"sent"`
	Failed   int    `json:"failed"`
}

// Executor runs delivery slots.
type Executor struct {
	cfg     Config
	catalog Catalog
	agents  AgentSource
	history History
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutor creates an executor. Zero durations take defaults; a negative
// InterSendDelay disables pacing.
func NewExecutor(cfg Config, cat Catalog, agents AgentSource, history History, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.AssetsDir == "" {
		cfg.AssetsDir = def.AssetsDir
	}
	if cfg.InterSendDelay == 0 {
		cfg.InterSendDelay = def.InterSendDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Lookup.Attempts == 0 {
		cfg.Lookup = def.Lookup
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:     cfg,
		catalog: cat,
		agents:  agents,
		history: history,
		logger:  logger.With("component", "delivery"),
		now:     time.Now,
	}
}

type content struct {
	media   agent.Media
	message string
	groups  []catalog.Group
}

func (e *Executor) load(ctx context.Context, tenant string, weekday time.Weekday) (content, error) {
	var c content

	media, ok, err := LoadMedia(e.cfg.AssetsDir, tenant, weekday)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, fmt.Errorf("%w: no media for %s", ErrIncomplete, weekday)
	}
	c.media = media

	err = retry.Do(ctx, e.cfg.Lookup, func(ctx context.Context) error {
		var err error
		c.message, err = e.catalog.Message(ctx, tenant, weekday)
		return err
	})
	if err != nil {
		return c, fmt.Errorf("loading message: %w", err)
	}
	if c.message == "" {
		return c, fmt.Errorf("%w: no message for %s", ErrIncomplete, weekday)
	}

	err = retry.Do(ctx, e.cfg.Lookup, func(ctx context.Context) error {
		var err error
		c.groups, err = e.catalog.Groups(ctx, tenant)
		return err
	})
	if err != nil {
		return c, fmt.Errorf("loading groups: %w", err)
	}
	if len(c.groups) == 0 {
		return c, fmt.Errorf("%w: no groups", ErrIncomplete)
	}
	return c, nil
}

// Prepare reports whether tenant has media, message and groups for weekday.
func (e *Executor) Prepare(ctx context.Context, tenant string, weekday time.Weekday) bool {
	if _, err := e.load(ctx, tenant, weekday); err != nil {
		e.logger.Info("slot not ready", "tenant", tenant, "weekday", weekday, "reason", err)
		return false
	}
	return true
}

// Run sends the slot content of tenant to each of its groups in order. A
// failing group is recorded and skipped. The error is non-nil only when
// nothing could be attempted.
func (e *Executor) Run(ctx context.Context, tenant string, weekday time.Weekday, hour int) (Result, error) {
	res := Result{TenantID: tenant}
	log := e.logger.With("tenant", tenant, "weekday", weekday, "hour", hour)

	c, err := e.load(ctx, tenant, weekday)
	if err != nil {
		return res, err
	}

	sender, err := e.agents.ReadyAgent(ctx, tenant)
	if err != nil {
		return res, fmt.Errorf("no ready agent for %s: %w", tenant, err)
	}

	limit := rate.Inf
	if e.cfg.InterSendDelay > 0 {
		limit = rate.Every(e.cfg.InterSendDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	res.Total = len(c.groups)
	log.Info("delivery started", "groups", res.Total)

	for i, g := range c.groups {
		if err := limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("delivery interrupted at %d/%d: %w", i+1, res.Total, err)
		}

		rec := e.deliver(ctx, sender, tenant, g, c)
		rec.Position = fmt.Sprintf("%d/%d", i+1, res.Total)

		if rec.Status == StatusSuccess {
			res.Sent++
			log.Info("sent", "group", g.ID, "name", rec.GroupName, "position", rec.Position)
		} else {
			res.Failed++
			log.Warn("send failed", "group", g.ID, "position", rec.Position, "error", rec.Error)
		}
		metrics.IncDelivery(string(rec.Status))

		if e.history != nil {
			if err := e.history.Append(ctx, rec); err != nil {
				log.Error("recording delivery", "group", g.ID, "error", err)
			}
		}
	}

	log.Info("delivery finished", "sent", res.Sent, "failed", res.Failed)
	return res, nil
}

func (e *Executor) deliver(ctx context.Context, s Sender, tenant string, g catalog.Group, c content) Record {
	rec := Record{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		GroupID:   g.ID,
		GroupName: g.Name,
		Timestamp: e.now(),
	}
	fail := func(err error) Record {
		rec.Status = StatusError
		rec.Error = err.Error()
		rec.Message = fmt.Sprintf("Erro ao enviar para %s: %s", displayName(g), err)
		return rec
	}

	if !s.Live() {
		return fail(agent.ErrNotConnected)
	}
	name, err := s.ChatName(ctx, g.ID)
	if err != nil {
		return fail(fmt.Errorf("resolving chat: %w", err))
	}
	if name != "" {
		rec.GroupName = name
	}
	if rec.GroupName == "" {
		rec.GroupName = catalog.UnknownGroupName
	}

	if err := e.send(ctx, s, g.ID, c); err != nil {
		return fail(err)
	}
	rec.Status = StatusSuccess
	rec.Message = "Mensagem enviada com sucesso para " + rec.GroupName
	return rec
}

// send races the send against SendTimeout. A send that loses the race is
// cancelled and left to finish in the background.
func (e *Executor) send(ctx context.Context, s Sender, groupID string, c content) error {
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Send(sendCtx, groupID, c.media, c.message)
	}()

	timer := time.NewTimer(e.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func displayName(g catalog.Group) string {
	if g.Name != "" && g.Name != catalog.UnknownGroupName {
		return g.Name
	}
	return g.ID
}
