// Package groups registers destination groups seen by an agent with the
// external group registry. A group is cached only after the registry
// accepted it, so failed registrations are retried on the next activity.
package groups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	// UnknownName is registered when the chat has no name.
	UnknownName = "Nome não disponível"
	// NameErrorName is registered when the chat name could not be resolved.
	NameErrorName = "Erro ao obter nome"
)

// Registrar records a discovered group.
type Registrar interface {
	RegisterGroup(ctx context.Context, tenant, groupID, name string) error
}

// NameFunc resolves the display name of a group.
type NameFunc func(ctx context.Context, groupID string) (string, error)

type cachedGroup struct {
	ID string `json:"ID_GROUP"`
}

// IsGroup reports whether id names a group chat.
func IsGroup(id string) bool {
	return strings.HasSuffix(id, "@g.us")
}

// Cache is the discovered-group set of one tenant.
type Cache struct {
	tenant    string
	path      string
	registrar Registrar
	logger    *slog.Logger

	mu       sync.Mutex
	known    map[string]bool
	inFlight map[string]bool
}

// Load opens the tenant cache stored at path. A missing or unreadable file
// yields an empty cache.
func Load(tenant, path string, registrar Registrar, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		tenant:    tenant,
		path:      path,
		registrar: registrar,
		logger:    logger.With("component", "groups", "tenant", tenant),
		known:     make(map[string]bool),
		inFlight:  make(map[string]bool),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		c.logger.Warn("reading group cache", "error", err)
	default:
		var entries []cachedGroup
		if err := json.Unmarshal(data, &entries); err != nil {
			c.logger.Warn("group cache unreadable, starting empty", "error", err)
			break
		}
		for _, e := range entries {
			if e.ID != "" {
				c.known[e.ID] = true
			}
		}
	}
	return c
}

// Observe registers groupID unless it is not a group, already known or being
// registered by another call. It reports whether the group was registered.
func (c *Cache) Observe(ctx context.Context, groupID string, name NameFunc) bool {
	if !IsGroup(groupID) {
		return false
	}

	c.mu.Lock()
	if c.known[groupID] || c.inFlight[groupID] {
		c.mu.Unlock()
		return false
	}
	c.inFlight[groupID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, groupID)
		c.mu.Unlock()
	}()

	groupName := c.resolveName(ctx, groupID, name)
	if err := c.registrar.RegisterGroup(ctx, c.tenant, groupID, groupName); err != nil {
		c.logger.Error("group registration failed", "group", groupID, "error", err)
		return false
	}

	c.mu.Lock()
	c.known[groupID] = true
	snapshot := c.idsLocked()
	c.mu.Unlock()

	if err := c.persist(snapshot); err != nil {
		c.logger.Error("saving group cache", "error", err)
	}
	c.logger.Info("group registered", "group", groupID, "name", groupName)
	return true
}

func (c *Cache) resolveName(ctx context.Context, groupID string, name NameFunc) string {
	if name == nil {
		return UnknownName
	}
	n, err := name(ctx, groupID)
	if err != nil {
		c.logger.Warn("resolving group name", "group", groupID, "error", err)
		return NameErrorName
	}
	if n == "" {
		return UnknownName
	}
	return n
}

// Known reports whether groupID has been registered.
func (c *Cache) Known(groupID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known[groupID]
}

// IDs returns the registered group ids in order.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idsLocked()
}

func (c *Cache) idsLocked() []string {
	out := make([]string, 0, len(c.known))
	for id := range c.known {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) persist(ids []string) error {
	entries := make([]cachedGroup, len(ids))
	for i, id := range ids {
		entries[i] = cachedGroup{ID: id}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// Registry holds the group caches of every tenant, loading each lazily from
// dir.
type Registry struct {
	dir       string
	registrar Registrar
	logger    *slog.Logger

	mu     sync.Mutex
	caches map[string]*Cache
}

// NewRegistry creates a registry persisting caches under dir.
func NewRegistry(dir string, registrar Registrar, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:       dir,
		registrar: registrar,
		logger:    logger,
		caches:    make(map[string]*Cache),
	}
}

// Path returns the cache file of tenant.
func (r *Registry) Path(tenant string) string {
	return filepath.Join(r.dir, fmt.Sprintf("groups_%s.json", tenant))
}

// For returns the cache of tenant.
func (r *Registry) For(tenant string) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[tenant]
	if !ok {
		c = Load(tenant, r.Path(tenant), r.registrar, r.logger)
		r.caches[tenant] = c
	}
	return c
}

// Observe forwards to the cache of tenant.
func (r *Registry) Observe(ctx context.Context, tenant, groupID string, name NameFunc) bool {
	return r.For(tenant).Observe(ctx, groupID, name)
}

// Forget drops the tenant cache and its file.
func (r *Registry) Forget(tenant string) error {
	r.mu.Lock()
	delete(r.caches, tenant)
	r.mu.Unlock()
	if err := os.Remove(r.Path(tenant)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing group cache: %w", err)
	}
	return nil
}
