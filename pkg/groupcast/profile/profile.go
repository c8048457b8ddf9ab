// Package profile captures a tenant's on-disk client profile into an in-memory
// snapshot and restores such a snapshot back onto disk.
package profile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/panjf2000/ants/v2"
)

// File is one captured profile file. RelativePath always uses "/".
type File struct {
	RelativePath string
	Data         []byte
	Size         int64
	ModifiedTime time.Time
}

// Snapshot is an ordered, duplicate-free list of captured files.
type Snapshot []File

// TotalSize sums the size of every file in the snapshot.
func (s Snapshot) TotalSize() int64 {
	var n int64
	for _, f := range s {
		n += f.Size
	}
	return n
}

// AllowList selects which files of a profile are worth persisting.
type AllowList struct {
	// Roots are directories (relative to the profile) walked for candidates.
	Roots []string `yaml:"roots"`

	// Files are critical files. Plain paths are probed directly; patterns
	// use doublestar syntax and are matched against walked paths.
	Files []string `yaml:"files"`

	// Extensions accepted for any walked file.
	Extensions []string `yaml:"extensions"`

	// SkipDirs are directory names never descended into.
	SkipDirs []string `yaml:"skip_dirs"`
}

// DefaultAllowList returns the allow-list for a Chromium-style profile plus
// the messaging client's device database.
func DefaultAllowList() AllowList {
	return AllowList{
		Roots: []string{
			".",
			"Default",
			"Default/IndexedDB",
			"Default/Local Storage",
			"Default/Session Storage",
			"Default/Service Worker",
			"Default/databases",
		},
		Files: []string{
			"Default/Preferences",
			"Default/Cookies",
			"Default/Local State",
			"Default/Network/Cookies",
			"Default/TransportSecurity",
			"device.db",
			"**/*.db-wal",
		},
		Extensions: []string{".db", ".sqlite", ".sqlite3", ".ldb", ".log", ".json"},
		SkipDirs:   []string{"Cache", "GPUCache", "ShaderCache", "GrShaderCache", "blob_storage", "Crashpad"},
	}
}

// Config tunes capture and restore.
type Config struct {
	MaxDepth         int       `yaml:"max_depth"`
	MaxFileSize      int64     `yaml:"max_file_size"`
	RestoreBatchSize int       `yaml:"restore_batch_size"`
	AllowList        AllowList `yaml:"allow_list"`
}

// DefaultConfig returns sensible capture defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:         6,
		MaxFileSize:      50 * 1024 * 1024,
		RestoreBatchSize: 10,
		AllowList:        DefaultAllowList(),
	}
}

type cacheEntry struct {
	modified time.Time
	size     int64
	data     []byte
}

// Synchronizer captures and restores profile directories. Reads are cached
// per profile directory by (path, mtime, size).
type Synchronizer struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]map[string]cacheEntry
}

// NewSynchronizer creates a Synchronizer. Zero config fields take defaults.
func NewSynchronizer(cfg Config, logger *slog.Logger) *Synchronizer {
	def := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.RestoreBatchSize <= 0 {
		cfg.RestoreBatchSize = def.RestoreBatchSize
	}
	if len(cfg.AllowList.Roots) == 0 && len(cfg.AllowList.Files) == 0 && len(cfg.AllowList.Extensions) == 0 {
		cfg.AllowList = def.AllowList
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		cfg:    cfg,
		logger: logger.With("component", "profile"),
		cache:  make(map[string]map[string]cacheEntry),
	}
}

// capture accumulates one capture pass.
type capture struct {
	s     *Synchronizer
	root  string
	prev  map[string]cacheEntry
	next  map[string]cacheEntry
	seen  map[string]bool
	files Snapshot
}

// Capture reads the allow-listed files of dir. When the allow-list matches
// nothing, every regular file under dir is captured instead.
func (s *Synchronizer) Capture(ctx context.Context, dir string) (Snapshot, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat profile dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("profile path %q is not a directory", dir)
	}

	key := filepath.Clean(dir)
	s.mu.Lock()
	prev := s.cache[key]
	s.mu.Unlock()

	c := &capture{
		s:    s,
		root: key,
		prev: prev,
		next: make(map[string]cacheEntry),
		seen: make(map[string]bool),
	}

	for _, root := range s.cfg.AllowList.Roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.walk(filepath.Join(key, filepath.FromSlash(root)), c.allowed)
	}
	for _, p := range s.cfg.AllowList.Files {
		if isPattern(p) {
			continue
		}
		c.add(path.Clean(p))
	}

	if len(c.files) == 0 {
		s.logger.Info("no allow-listed files found, capturing whole profile", "dir", key)
		c.walk(key, func(string) bool { return true })
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = c.next
	s.mu.Unlock()

	return c.files, nil
}

// Forget drops the read cache held for dir.
func (s *Synchronizer) Forget(dir string) {
	s.mu.Lock()
	delete(s.cache, filepath.Clean(dir))
	s.mu.Unlock()
}

func (c *capture) allowed(rel string) bool {
	for _, ext := range c.s.cfg.AllowList.Extensions {
		if strings.HasSuffix(rel, ext) {
			return true
		}
	}
	for _, p := range c.s.cfg.AllowList.Files {
		if p == rel {
			return true
		}
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (c *capture) skipDir(name string) bool {
	for _, d := range c.s.cfg.AllowList.SkipDirs {
		if d == name {
			return true
		}
	}
	return false
}

// walk visits base depth-first down to MaxDepth levels below the profile root.
func (c *capture) walk(base string, accept func(rel string) bool) {
	if _, err := os.Stat(base); err != nil {
		return
	}
	_ = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(c.root, p)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if p != base && c.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			if rel != "." && strings.Count(rel, "/")+1 > c.s.cfg.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !accept(rel) {
			return nil
		}
		c.add(rel)
		return nil
	})
}

// add reads rel into the snapshot unless it was already taken, is empty or is
// too large. Failures are skipped.
func (c *capture) add(rel string) {
	if c.seen[rel] {
		return
	}
	full := filepath.Join(c.root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if info.Size() == 0 || info.Size() > c.s.cfg.MaxFileSize {
		return
	}

	var data []byte
	if e, ok := c.prev[rel]; ok && e.size == info.Size() && e.modified.Equal(info.ModTime()) {
		data = e.data
	} else {
		data, err = os.ReadFile(full)
		if err != nil {
			c.s.logger.Debug("skipping unreadable file", "path", rel, "error", err)
			return
		}
	}

	c.seen[rel] = true
	c.next[rel] = cacheEntry{modified: info.ModTime(), size: info.Size(), data: data}
	c.files = append(c.files, File{
		RelativePath: rel,
		Data:         data,
		Size:         int64(len(data)),
		ModifiedTime: info.ModTime(),
	})
}

// Restore writes snap under dir in fixed-size batches. Individual failures
// are logged and skipped; the number of files written is returned.
func (s *Synchronizer) Restore(ctx context.Context, snap Snapshot, dir string) (int, error) {
	if dir == "" {
		return 0, errors.New("restore: empty target directory")
	}
	if len(snap) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("create profile dir: %w", err)
	}

	batch := s.cfg.RestoreBatchSize
	pool, err := ants.NewPool(batch)
	if err != nil {
		return 0, fmt.Errorf("create restore pool: %w", err)
	}
	defer pool.Release()

	var (
		mu       sync.Mutex
		restored int
		failed   int
	)
	for start := 0; start < len(snap); start += batch {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		end := min(start+batch, len(snap))

		var wg sync.WaitGroup
		for _, f := range snap[start:end] {
			wg.Add(1)
			if err := pool.Submit(func() {
				defer wg.Done()
				err := writeFile(dir, f)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					s.logger.Warn("failed to restore file", "path", f.RelativePath, "error", err)
					return
				}
				restored++
			}); err != nil {
				wg.Done()
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}
		wg.Wait()
	}

	if failed > 0 {
		s.logger.Warn("profile restored with failures", "dir", dir, "restored", restored, "failed", failed)
	}
	return restored, nil
}

func writeFile(dir string, f File) error {
	rel := filepath.FromSlash(f.RelativePath)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("path %q escapes profile directory", f.RelativePath)
	}
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(full, f.Data, 0o600); err != nil {
		return err
	}
	if !f.ModifiedTime.IsZero() {
		_ = os.Chtimes(full, f.ModifiedTime, f.ModifiedTime)
	}
	return nil
}

func isPattern(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
