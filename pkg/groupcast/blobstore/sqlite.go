package blobstore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// sqliteSchema is executed on every open (idempotent via IF NOT EXISTS).
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_blobs (
    id              TEXT PRIMARY KEY,
    filename        TEXT NOT NULL,
    tenant_id       TEXT NOT NULL,
    original_path   TEXT NOT NULL,
    file_index      INTEGER NOT NULL DEFAULT 0,
    modified_time   TEXT NOT NULL,
    session_version INTEGER NOT NULL,
    length          INTEGER NOT NULL,
    uploaded_at     TEXT NOT NULL,
    data            BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_blobs_tenant ON session_blobs(tenant_id, file_index);
`

// SQLiteConfig configures SQLiteStore.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the blob database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/sessions.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, filename string, r io.Reader, meta Metadata) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading blob content: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_blobs
		 (id, filename, tenant_id, original_path, file_index, modified_time, session_version, length, uploaded_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, filename, meta.TenantID, meta.OriginalPath, meta.FileIndex,
		meta.ModifiedTime.UTC().Format(time.RFC3339Nano), meta.SessionVersion,
		len(data), time.Now().UTC().Format(time.RFC3339Nano), data,
	)
	if err != nil {
		return "", fmt.Errorf("insert blob %q: %w", filename, err)
	}
	return id, nil
}

// Find implements Store.
func (s *SQLiteStore) Find(ctx context.Context, q Query) ([]Blob, error) {
	query := `SELECT id, filename, tenant_id, original_path, file_index, modified_time,
	                 session_version, length, uploaded_at
	          FROM session_blobs`
	var args []any
	if q.TenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, q.TenantID)
	}
	if q.SortByFileIndex {
		query += ` ORDER BY file_index ASC, rowid ASC`
	} else {
		query += ` ORDER BY rowid ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query blobs: %w", err)
	}
	defer rows.Close()

	var out []Blob
	for rows.Next() {
		var (
			b                  Blob
			modified, uploaded string
		)
		if err := rows.Scan(&b.ID, &b.Filename, &b.Metadata.TenantID, &b.Metadata.OriginalPath,
			&b.Metadata.FileIndex, &modified, &b.Metadata.SessionVersion, &b.Length, &uploaded); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		b.Metadata.ModifiedTime, _ = time.Parse(time.RFC3339Nano, modified)
		b.UploadedAt, _ = time.Parse(time.RFC3339Nano, uploaded)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Download implements Store.
func (s *SQLiteStore) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM session_blobs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("download blob %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_blobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}
