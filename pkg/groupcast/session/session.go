// Package session persists tenant profile snapshots to a blob store and
// restores them onto disk. Every operation is best effort: lower-level
// failures are logged and reported as neutral results.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/groupcast/pkg/groupcast/blobstore"
	"github.com/jholhewres/groupcast/pkg/groupcast/metrics"
	"github.com/jholhewres/groupcast/pkg/groupcast/profile"
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidTenant reports whether id is safe to use as a path component.
func ValidTenant(id string) bool {
	return tenantPattern.MatchString(id)
}

// Config configures the Store.
type Config struct {
	// DataDir holds the per-tenant profile directories.
	DataDir string `yaml:"data_dir"`

	// SaveThrottle is the minimum gap between two non-forced saves.
	SaveThrottle time.Duration `yaml:"save_throttle"`

	// UploadBatchSize is how many blobs are uploaded concurrently.
	UploadBatchSize int `yaml:"upload_batch_size"`

	// LoadTimeout bounds a whole Load.
	LoadTimeout time.Duration `yaml:"load_timeout"`

	Profile profile.Config `yaml:"profile"`
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		SaveThrottle:    30 * time.Second,
		UploadBatchSize: 10,
		LoadTimeout:     30 * time.Second,
		Profile:         profile.DefaultConfig(),
	}
}

// Info summarizes a stored session.
type Info struct {
	TenantID     string    `json:"tenant_id"`
	FileCount    int       `json:"file_count"`
	TotalSize    int64     `json:"total_size"`
	LastModified time.Time `json:"last_modified"`
}

// Store saves and loads tenant sessions.
type Store struct {
	cfg    Config
	blobs  blobstore.Store
	sync   *profile.Synchronizer
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	lastSave    map[string]time.Time
	lastVersion map[string]int64
	tenantLocks map[string]*sync.Mutex
}

// New creates a Store over blobs.
func New(cfg Config, blobs blobstore.Store, logger *slog.Logger) *Store {
	def := DefaultConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.SaveThrottle <= 0 {
		cfg.SaveThrottle = def.SaveThrottle
	}
	if cfg.UploadBatchSize <= 0 {
		cfg.UploadBatchSize = def.UploadBatchSize
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:         cfg,
		blobs:       blobs,
		sync:        profile.NewSynchronizer(cfg.Profile, logger),
		logger:      logger.With("component", "session"),
		now:         time.Now,
		lastSave:    make(map[string]time.Time),
		lastVersion: make(map[string]int64),
		tenantLocks: make(map[string]*sync.Mutex),
	}
}

// lockTenant serializes saves and deletes of one tenant and returns the
// unlock function.
func (s *Store) lockTenant(tenant string) func() {
	s.mu.Lock()
	l, ok := s.tenantLocks[tenant]
	if !ok {
		l = &sync.Mutex{}
		s.tenantLocks[tenant] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// nextVersion returns a session version strictly greater than the previous
// one of tenant.
func (s *Store) nextVersion(tenant string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := max(s.now().UnixMilli(), s.lastVersion[tenant]+1)
	s.lastVersion[tenant] = v
	return v
}

// ProfileDir returns the on-disk profile directory of tenant.
func (s *Store) ProfileDir(tenant string) string {
	return filepath.Join(s.cfg.DataDir, "profiles", tenant)
}

// Save persists the tenant profile unless another save was attempted within
// the throttle window. It reports whether every file was uploaded.
func (s *Store) Save(ctx context.Context, tenant string) bool {
	now := s.now()
	s.mu.Lock()
	if last, ok := s.lastSave[tenant]; ok && now.Sub(last) < s.cfg.SaveThrottle {
		s.mu.Unlock()
		s.logger.Debug("save throttled", "tenant", tenant, "since_last", now.Sub(last))
		metrics.IncSessionSave("throttled")
		return false
	}
	s.lastSave[tenant] = now
	s.mu.Unlock()

	return s.save(ctx, tenant)
}

// ForceSave persists the tenant profile ignoring the throttle.
func (s *Store) ForceSave(ctx context.Context, tenant string) bool {
	s.mu.Lock()
	s.lastSave[tenant] = s.now()
	s.mu.Unlock()
	return s.save(ctx, tenant)
}

func (s *Store) save(ctx context.Context, tenant string) bool {
	logger := s.logger.With("tenant", tenant)
	if !ValidTenant(tenant) {
		logger.Warn("refusing to save invalid tenant id")
		return false
	}
	unlock := s.lockTenant(tenant)
	defer unlock()

	snap, err := s.sync.Capture(ctx, s.ProfileDir(tenant))
	if err != nil {
		logger.Warn("capture failed", "error", err)
		metrics.IncSessionSave("error")
		return false
	}
	if len(snap) == 0 {
		logger.Info("nothing to save, profile is empty")
		metrics.IncSessionSave("empty")
		return false
	}

	// Replace-all: drop the previous version first.
	existing, err := s.blobs.Find(ctx, blobstore.Query{TenantID: tenant})
	if err != nil {
		logger.Warn("listing previous session failed", "error", err)
	}
	for _, b := range existing {
		if err := s.blobs.Delete(ctx, b.ID); err != nil {
			logger.Warn("deleting previous session file failed", "file", b.Filename, "error", err)
		}
	}

	version := s.nextVersion(tenant)
	uploaded := 0
	for start := 0; start < len(snap); start += s.cfg.UploadBatchSize {
		end := min(start+s.cfg.UploadBatchSize, len(snap))
		batch := snap[start:end]

		var (
			g  errgroup.Group
			mu sync.Mutex
		)
		for i, f := range batch {
			g.Go(func() error {
				meta := blobstore.Metadata{
					TenantID:       tenant,
					OriginalPath:   f.RelativePath,
					FileIndex:      i,
					ModifiedTime:   f.ModifiedTime,
					SessionVersion: version,
				}
				if _, err := s.blobs.Insert(ctx, blobName(tenant, f.RelativePath), bytes.NewReader(f.Data), meta); err != nil {
					return fmt.Errorf("upload %s: %w", f.RelativePath, err)
				}
				mu.Lock()
				uploaded++
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			logger.Warn("session batch upload incomplete", "error", err)
		}
	}

	s.dropStale(ctx, tenant, version)

	ok := uploaded == len(snap)
	if ok {
		metrics.IncSessionSave("ok")
		logger.Info("session saved", "files", uploaded, "bytes", snap.TotalSize(), "version", version)
	} else {
		metrics.IncSessionSave("error")
		logger.Warn("session partially saved", "uploaded", uploaded, "files", len(snap))
	}
	return ok
}

// dropStale removes stored files of tenant that belong to any version other
// than keep, so at most one version stays current.
func (s *Store) dropStale(ctx context.Context, tenant string, keep int64) {
	blobs, err := s.blobs.Find(ctx, blobstore.Query{TenantID: tenant})
	if err != nil {
		s.logger.Warn("listing stale session files failed", "tenant", tenant, "error", err)
		return
	}
	for _, b := range blobs {
		if b.Metadata.SessionVersion == keep {
			continue
		}
		if err := s.blobs.Delete(ctx, b.ID); err != nil {
			s.logger.Warn("deleting stale session file failed", "tenant", tenant, "file", b.Filename, "error", err)
		}
	}
}

func blobName(tenant, rel string) string {
	return tenant + "_" + strings.ReplaceAll(rel, "/", "_")
}

// Load returns the stored snapshot of tenant ordered by file index, or an
// empty snapshot when nothing is stored or loading fails.
func (s *Store) Load(ctx context.Context, tenant string) profile.Snapshot {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
	defer cancel()

	logger := s.logger.With("tenant", tenant)
	blobs, err := s.blobs.Find(ctx, blobstore.Query{TenantID: tenant, SortByFileIndex: true})
	if err != nil {
		logger.Warn("finding session files failed", "error", err)
		return nil
	}
	blobs = newestVersion(blobs)

	snap := make(profile.Snapshot, 0, len(blobs))
	for _, b := range blobs {
		data, err := s.download(ctx, b.ID)
		if err != nil {
			logger.Warn("loading session failed", "file", b.Filename, "error", err)
			return nil
		}
		snap = append(snap, profile.File{
			RelativePath: b.Metadata.OriginalPath,
			Data:         data,
			Size:         int64(len(data)),
			ModifiedTime: b.Metadata.ModifiedTime,
		})
	}
	return snap
}

// newestVersion keeps the blobs of the highest session version, preserving
// order.
func newestVersion(blobs []blobstore.Blob) []blobstore.Blob {
	var latest int64
	for _, b := range blobs {
		latest = max(latest, b.Metadata.SessionVersion)
	}
	out := blobs[:0]
	for _, b := range blobs {
		if b.Metadata.SessionVersion == latest {
			out = append(out, b)
		}
	}
	return out
}

func (s *Store) download(ctx context.Context, id string) ([]byte, error) {
	rc, err := s.blobs.Download(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Restore loads the stored session of tenant onto its profile directory and
// returns the number of files written.
func (s *Store) Restore(ctx context.Context, tenant string) int {
	if !ValidTenant(tenant) {
		return 0
	}
	snap := s.Load(ctx, tenant)
	if len(snap) == 0 {
		return 0
	}
	n, err := s.sync.Restore(ctx, snap, s.ProfileDir(tenant))
	if err != nil {
		s.logger.Warn("restore failed", "tenant", tenant, "error", err)
	}
	s.logger.Info("session restored", "tenant", tenant, "files", n, "stored", len(snap))
	return n
}

// Exists reports whether any session file is stored for tenant.
func (s *Store) Exists(ctx context.Context, tenant string) bool {
	blobs, err := s.blobs.Find(ctx, blobstore.Query{TenantID: tenant})
	if err != nil {
		s.logger.Warn("checking session failed", "tenant", tenant, "error", err)
		return false
	}
	return len(blobs) > 0
}

// Info summarizes the stored session of tenant.
func (s *Store) Info(ctx context.Context, tenant string) (Info, bool) {
	blobs, err := s.blobs.Find(ctx, blobstore.Query{TenantID: tenant})
	if err != nil {
		s.logger.Warn("reading session info failed", "tenant", tenant, "error", err)
		return Info{}, false
	}
	if len(blobs) == 0 {
		return Info{}, false
	}
	return summarize(tenant, blobs), true
}

// List summarizes every stored session, ordered by tenant id.
func (s *Store) List(ctx context.Context) []Info {
	blobs, err := s.blobs.Find(ctx, blobstore.Query{})
	if err != nil {
		s.logger.Warn("listing sessions failed", "error", err)
		return nil
	}
	byTenant := make(map[string][]blobstore.Blob)
	for _, b := range blobs {
		byTenant[b.Metadata.TenantID] = append(byTenant[b.Metadata.TenantID], b)
	}
	out := make([]Info, 0, len(byTenant))
	for tenant, bs := range byTenant {
		out = append(out, summarize(tenant, bs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func summarize(tenant string, blobs []blobstore.Blob) Info {
	info := Info{TenantID: tenant, FileCount: len(blobs)}
	var version int64
	for _, b := range blobs {
		info.TotalSize += b.Length
		version = max(version, b.Metadata.SessionVersion)
	}
	if version > 0 {
		info.LastModified = time.UnixMilli(version)
	}
	return info
}

// DeletePermanently removes every stored file and the local profile of
// tenant. It reports whether the stored files were all removed.
func (s *Store) DeletePermanently(ctx context.Context, tenant string) bool {
	logger := s.logger.With("tenant", tenant)
	if !ValidTenant(tenant) {
		logger.Warn("refusing to delete invalid tenant id")
		return false
	}
	unlock := s.lockTenant(tenant)
	defer unlock()

	ok := true
	blobs, err := s.blobs.Find(ctx, blobstore.Query{TenantID: tenant})
	if err != nil {
		logger.Warn("listing session files failed", "error", err)
		ok = false
	}
	for _, b := range blobs {
		if err := s.blobs.Delete(ctx, b.ID); err != nil {
			logger.Warn("deleting session file failed", "file", b.Filename, "error", err)
			ok = false
		}
	}

	dir := s.ProfileDir(tenant)
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("removing profile directory failed", "dir", dir, "error", err)
	}
	s.sync.Forget(dir)

	s.mu.Lock()
	delete(s.lastSave, tenant)
	s.mu.Unlock()

	logger.Info("session deleted permanently", "files", len(blobs))
	return ok
}
