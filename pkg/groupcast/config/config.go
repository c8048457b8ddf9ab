// Package config assembles the process configuration from YAML, .env files
// and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/groupcast/pkg/groupcast/agent"
	"github.com/jholhewres/groupcast/pkg/groupcast/blobstore"
	"github.com/jholhewres/groupcast/pkg/groupcast/catalog"
	"github.com/jholhewres/groupcast/pkg/groupcast/control"
	"github.com/jholhewres/groupcast/pkg/groupcast/delivery"
	"github.com/jholhewres/groupcast/pkg/groupcast/gateway"
	"github.com/jholhewres/groupcast/pkg/groupcast/logging"
	"github.com/jholhewres/groupcast/pkg/groupcast/pool"
	"github.com/jholhewres/groupcast/pkg/groupcast/scheduler"
	"github.com/jholhewres/groupcast/pkg/groupcast/session"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendGridFS = "gridfs"
	BackendMemory = "memory"
)

// StorageConfig selects where session blobs live.
type StorageConfig struct {
	Backend string                 `yaml:"backend"`
	SQLite  blobstore.SQLiteConfig `yaml:"sqlite"`
	GridFS  blobstore.GridFSConfig `yaml:"gridfs"`
}

// HistoryConfig locates the delivery history database.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// GroupsConfig locates the per-tenant group caches.
type GroupsConfig struct {
	Dir string `yaml:"dir"`
}

// Config is the whole process configuration.
type Config struct {
	// DeviceName is shown in the linked-devices list of the phone.
	DeviceName string `yaml:"device_name"`

	// CleanupMaxAgeDays is the default age for session cleanup.
	CleanupMaxAgeDays int `yaml:"cleanup_max_age_days"`

	Storage   StorageConfig    `yaml:"storage"`
	Session   session.Config   `yaml:"session"`
	Agent     agent.Config     `yaml:"agent"`
	Pool      pool.Config      `yaml:"pool"`
	Catalog   catalog.Config   `yaml:"catalog"`
	Delivery  delivery.Config  `yaml:"delivery"`
	History   HistoryConfig    `yaml:"history"`
	Groups    GroupsConfig     `yaml:"groups"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Gateway   gateway.Config   `yaml:"gateway"`
	Logging   logging.Config   `yaml:"logging"`
}

// DefaultConfig returns a configuration that runs against a local SQLite
// store.
func DefaultConfig() *Config {
	return &Config{
		DeviceName:        "GroupCast",
		CleanupMaxAgeDays: 30,
		Storage: StorageConfig{
			Backend: BackendSQLite,
			SQLite:  blobstore.SQLiteConfig{Path: "./data/sessions.db"},
		},
		Session:   session.DefaultConfig(),
		Agent:     agent.DefaultConfig(),
		Pool:      pool.Config{MaxConcurrentClients: 5},
		Catalog:   catalog.DefaultConfig(),
		Delivery:  delivery.DefaultConfig(),
		History:   HistoryConfig{Path: "./data/history.db"},
		Groups:    GroupsConfig{Dir: "./data/groups"},
		Scheduler: scheduler.DefaultConfig(),
		Gateway:   gateway.Config{Address: "127.0.0.1:8085"},
		Logging:   logging.DefaultConfig(),
	}
}

// Control returns the control manager settings.
func (c *Config) Control() control.Config {
	return control.Config{
		Agent:             c.Agent,
		Pool:              c.Pool,
		CleanupMaxAgeDays: c.CleanupMaxAgeDays,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Storage.Backend) {
	case BackendSQLite, BackendMemory:
	case BackendGridFS:
		if c.Storage.GridFS.URI == "" {
			errs = append(errs, errors.New("storage.gridfs.uri is required for the gridfs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if c.Pool.MaxConcurrentClients < 1 {
		errs = append(errs, fmt.Errorf("pool.max_concurrent_clients must be at least 1, got %d", c.Pool.MaxConcurrentClients))
	}
	if err := inRange("agent.ready_fallback", c.Agent.ReadyFallback, 60*time.Second, 190*time.Second); err != nil {
		errs = append(errs, err)
	}
	if err := inRange("agent.periodic_save", c.Agent.PeriodicSave, 5*time.Minute, 10*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if c.Session.SaveThrottle < 0 {
		errs = append(errs, errors.New("session.save_throttle must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}

func inRange(name string, d, lo, hi time.Duration) error {
	if d < lo || d > hi {
		return fmt.Errorf("%s must be between %s and %s, got %s", name, lo, hi, d)
	}
	return nil
}
