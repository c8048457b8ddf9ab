package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and bare
// $VAR references.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Environment variables that override the file.
const (
	EnvMaxConcurrentClients = "MAX_CONCURRENT_CLIENTS"
	EnvTargetTimezone       = "TARGET_TIMEZONE"
	EnvSessionSaveThrottle  = "SESSION_SAVE_THROTTLE"
	EnvPeriodicSaveInterval = "PERIODIC_SAVE_INTERVAL"
)

// Load reads the YAML file at path over DefaultConfig, after loading .env
// files and expanding environment references. An empty path yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded, err := expandEnvVars(string(data))
		if err != nil {
			return nil, fmt.Errorf("expanding environment variables: %w", err)
		}
		cfg, err = Parse([]byte(expanded))
		if err != nil {
			return nil, err
		}
		checkFilePermissions(path)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile returns the first existing candidate, or "".
func FindConfigFile() string {
	candidates := []string{
		"groupcast.yaml",
		"groupcast.yml",
		"config.yaml",
		"config.yml",
		"configs/groupcast.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files without overwriting variables already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references. Unset ${VAR} and $VAR
// are left as written; an unset ${VAR:?msg} is an error.
func expandEnvVars(input string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %s", name, value)
			}
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvMaxConcurrentClients); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxConcurrentClients, err)
		}
		cfg.Pool.MaxConcurrentClients = n
	}
	if v := os.Getenv(EnvTargetTimezone); v != "" {
		cfg.Scheduler.Timezone = strings.TrimSpace(v)
	}
	if v := os.Getenv(EnvSessionSaveThrottle); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSessionSaveThrottle, err)
		}
		cfg.Session.SaveThrottle = d
	}
	if v := os.Getenv(EnvPeriodicSaveInterval); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPeriodicSaveInterval, err)
		}
		cfg.Agent.PeriodicSave = d
	}
	return nil
}

// parseInterval accepts a Go duration ("30s") or a bare number of
// milliseconds ("30000").
func parseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// checkFilePermissions warns when the config file, which may hold tokens,
// is readable by other users.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		slog.Warn("config file is accessible by other users",
			"path", path, "mode", fmt.Sprintf("%04o", info.Mode().Perm()),
			"hint", "chmod 600 "+path)
	}
}
