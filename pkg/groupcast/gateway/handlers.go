package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jholhewres/groupcast/pkg/groupcast/control"
	"github.com/jholhewres/groupcast/pkg/groupcast/pool"
	"github.com/jholhewres/groupcast/pkg/groupcast/session"
)

const version = "1.0.0"

const defaultHistoryLimit = 50

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFailure maps control errors onto HTTP status codes.
func (g *Gateway) writeFailure(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, control.ErrInvalidTenant):
		code = http.StatusBadRequest
	case errors.Is(err, control.ErrNoAgent), errors.Is(err, control.ErrNoSession):
		code = http.StatusNotFound
	case errors.Is(err, control.ErrNotReady):
		code = http.StatusConflict
	case errors.Is(err, pool.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
	}
	g.writeError(w, err.Error(), code)
}

// tenantParam returns the {tenant} path value, answering 400 when it is not
// a usable tenant id.
func (g *Gateway) tenantParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.PathValue("tenant")
	if !session.ValidTenant(tenant) {
		g.writeError(w, "invalid tenant id", http.StatusBadRequest)
		return "", false
	}
	return tenant, true
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
		"uptime":  uptime,
	})
}

// handleListSessions implements GET /api/sessions
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := g.control.Sessions(r.Context())
	g.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (g *Gateway) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	tenant, ok := g.tenantParam(w, r)
	if !ok {
		return
	}
	info, err := g.control.SessionInfo(r.Context(), tenant)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, info)
}

func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	tenant, ok := g.tenantParam(w, r)
	if !ok {
		return
	}
	if err := g.control.DeleteSessionPermanently(r.Context(), tenant); err != nil {
		g.writeFailure(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"deleted": tenant})
}

// handleCleanupSessions implements POST /api/sessions/cleanup?max_age_days=N
func (g *Gateway) handleCleanupSessions(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("max_age_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.writeError(w, "max_age_days must be a non-negative integer", http.StatusBadRequest)
			return
		}
		days = n
	}
	report, err := g.control.CleanupSessions(r.Context(), days)
	if err != nil {
		g.logger.Warn("cleanup finished with errors", "error", err)
	}
	g.writeJSON(w, http.StatusOK, report)
}

func (g *Gateway) handleBackupSession(w http.ResponseWriter, r *http.Request) {
	tenant, ok := g.tenantParam(w, r)
	if !ok {
		return
	}
	if err := g.control.BackupSession(r.Context(), tenant); err != nil {
		g.writeFailure(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"saved": tenant})
}

func (g *Gateway) handleAgentState(w http.ResponseWriter, r *http.Request) {
	tenant, ok := g.tenantParam(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, g.control.AgentState(tenant))
}

func (g *Gateway) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := g.tenantParam(w, r)
	if !ok {
		return
	}
	st, err := g.control.EnsureAgent(r.Context(), tenant)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := g.tenantParam(w, r)
	if !ok {
		return
	}
	st, err := g.control.RestartAgent(r.Context(), tenant)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) handleLogoutAgent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := g.tenantParam(w, r)
	if !ok {
		return
	}
	if err := g.control.LogoutAgent(r.Context(), tenant); err != nil {
		g.writeFailure(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"logged_out": tenant})
}

func (g *Gateway) handleForceReady(w http.ResponseWriter, r *http.Request) {
	tenant, ok := g.tenantParam(w, r)
	if !ok {
		return
	}
	st, err := g.control.ForceReady(tenant)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, st)
}

// handleHistory implements GET /api/history/{tenant}?limit=N. limit=0 lists
// every record.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if g.history == nil {
		g.writeError(w, "history not configured", http.StatusServiceUnavailable)
		return
	}
	tenant, ok := g.tenantParam(w, r)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := g.history.List(r.Context(), tenant, limit)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenant,
		"records":   records,
		"count":     len(records),
	})
}

func (g *Gateway) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if g.history == nil {
		g.writeError(w, "history not configured", http.StatusServiceUnavailable)
		return
	}
	tenant, ok := g.tenantParam(w, r)
	if !ok {
		return
	}
	n, err := g.history.Clear(r.Context(), tenant)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenant, "removed": n})
}

// handleSchedulerPass implements POST /api/scheduler/{phase} for prepare,
// execute and reset.
func (g *Gateway) handleSchedulerPass(w http.ResponseWriter, r *http.Request) {
	if g.passes == nil {
		g.writeError(w, "scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	phase := r.PathValue("phase")
	var (
		n   int
		err error
	)
	switch phase {
	case "prepare":
		n, err = g.passes.Prepare(r.Context())
	case "execute":
		n, err = g.passes.Execute(r.Context())
	case "reset":
		g.passes.Reset()
	default:
		g.writeError(w, "unknown phase "+strconv.Quote(phase), http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Error("manual scheduler pass failed", "phase", phase, "error", err)
		g.writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"phase": phase, "tenants": n})
}
