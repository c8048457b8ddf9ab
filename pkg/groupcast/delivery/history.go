package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// Status is the outcome of a single group delivery.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one entry of the delivery log.
type Record struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	GroupID   string    `json:"group_id"`
	GroupName string    `json:"group_name"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Position  string    `json:"position"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// History is the append-only delivery log.
type History interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, tenant string, limit int) ([]Record, error)
	Clear(ctx context.Context, tenant string) (int64, error)
}

const historySchema = `
CREATE TABLE IF NOT EXISTS delivery_records (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    tenant_id   TEXT NOT NULL,
    group_id    TEXT NOT NULL,
    group_name  TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    timestamp   TEXT NOT NULL,
    position    TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_delivery_records_tenant ON delivery_records(tenant_id, seq);
`

// SQLiteHistory stores the delivery log in SQLite.
type SQLiteHistory struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the delivery log at path.
func OpenHistory(path string) (*SQLiteHistory, error) {
	if path == "" {
		path = "./data/history.db"
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

// Append implements History.
func (h *SQLiteHistory) Append(ctx context.Context, rec Record) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO delivery_records
			(id, tenant_id, group_id, group_name, status, timestamp, position, message, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.GroupID, rec.GroupName, string(rec.Status),
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Position, rec.Message, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("appending delivery record: %w", err)
	}
	return nil
}

// List implements History. Records come newest first; limit <= 0 means all.
func (h *SQLiteHistory) List(ctx context.Context, tenant string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, tenant_id, group_id, group_name, status, timestamp, position, message, error
		FROM delivery_records
		WHERE tenant_id = ?
		ORDER BY seq DESC
		LIMIT ?`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("listing delivery records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec    Record
			status string
			ts     string
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.GroupID, &rec.GroupName, &status,
			&ts, &rec.Position, &rec.Message, &rec.Error); err != nil {
			return nil, fmt.Errorf("scanning delivery record: %w", err)
		}
		rec.Status = Status(status)
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Clear implements History. It returns the number of deleted records.
func (h *SQLiteHistory) Clear(ctx context.Context, tenant string) (int64, error) {
	res, err := h.db.ExecContext(ctx, `DELETE FROM delivery_records WHERE tenant_id = ?`, tenant)
	if err != nil {
		return 0, fmt.Errorf("clearing delivery records: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
