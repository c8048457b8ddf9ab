// Package gateway exposes the control surface over HTTP.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/jholhewres/groupcast/pkg/groupcast/agent"
	"github.com/jholhewres/groupcast/pkg/groupcast/control"
	"github.com/jholhewres/groupcast/pkg/groupcast/delivery"
	"github.com/jholhewres/groupcast/pkg/groupcast/metrics"
)

// Config configures the HTTP server.
type Config struct {
	Address     string   `yaml:"address"`
	AuthToken   string   `yaml:"auth_token"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Control is the subset of control.Manager served over HTTP.
type Control interface {
	EnsureAgent(ctx context.Context, tenant string) (agent.Status, error)
	AgentState(tenant string) agent.Status
	RestartAgent(ctx context.Context, tenant string) (agent.Status, error)
	LogoutAgent(ctx context.Context, tenant string) error
	DeleteSessionPermanently(ctx context.Context, tenant string) error
	Sessions(ctx context.Context) []control.Summary
	SessionInfo(ctx context.Context, tenant string) (control.Summary, error)
	CleanupSessions(ctx context.Context, maxAgeDays int) (control.CleanupReport, error)
	BackupSession(ctx context.Context, tenant string) error
	ForceReady(tenant string) (agent.Status, error)
}

// Passes triggers scheduler passes on demand.
type Passes interface {
	Prepare(ctx context.Context) (int, error)
	Execute(ctx context.Context) (int, error)
	Reset()
}

// Gateway is the HTTP API.
type Gateway struct {
	control Control
	history delivery.History
	passes  Passes
	config  Config
	server  *http.Server
	logger  *slog.Logger

	startedAt time.Time
}

// New creates a gateway. history and passes may be nil; their routes then
// answer 503.
func New(ctl Control, history delivery.History, passes Passes, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8085"
	}
	return &Gateway{
		control:   ctl,
		history:   history,
		passes:    passes,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler builds the routed handler with every middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	mux.HandleFunc("POST /api/sessions/cleanup", g.handleCleanupSessions)
	mux.HandleFunc("GET /api/sessions/{tenant}", g.handleSessionInfo)
	mux.HandleFunc("DELETE /api/sessions/{tenant}", g.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{tenant}/backup", g.handleBackupSession)

	mux.HandleFunc("GET /api/agents/{tenant}", g.handleAgentState)
	mux.HandleFunc("POST /api/agents/{tenant}/start", g.handleStartAgent)
	mux.HandleFunc("POST /api/agents/{tenant}/restart", g.handleRestartAgent)
	mux.HandleFunc("POST /api/agents/{tenant}/logout", g.handleLogoutAgent)
	mux.HandleFunc("POST /api/agents/{tenant}/force-ready", g.handleForceReady)

	mux.HandleFunc("GET /api/history/{tenant}", g.handleHistory)
	mux.HandleFunc("DELETE /api/history/{tenant}", g.handleClearHistory)

	mux.HandleFunc("POST /api/scheduler/{phase}", g.handleSchedulerPass)

	var h http.Handler = g.authMiddleware(mux)
	if len(g.config.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: g.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         86400,
		}).Handler(h)
	}
	return g.securityHeadersMiddleware(h)
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		if !(ip != nil && ip.IsLoopback()) && host != "localhost" {
			g.logger.Warn("gateway has no auth token and listens on a non-loopback address",
				"address", g.config.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.config.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.server.Shutdown(ctx)
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
