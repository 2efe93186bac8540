// Package config supplies process-wide defaults for device connections,
// read once from the environment and an optional .env file at the project
// root.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults are the connection parameters a caller did not set explicitly.
type Defaults struct {
	// Serial preselects a device ("host:port" switches to TCP).
	Serial string
	// Timeout is the per-bulk-operation default.
	Timeout time.Duration
	// KeyPath points at the RSA key a signer implementation should load.
	KeyPath string
	// LogLevel is a zerolog level name. It is loaded but not applied:
	// adb.Connect and fastboot.Connect log only through Options.Logger.
	LogLevel string
}

var (
	loaded   *Defaults
	loadDone bool
)

// Load reads the defaults. Environment variables win over .env entries.
func Load() Defaults {
	if loadDone {
		return *loaded
	}

	cfg := &Defaults{Timeout: 10 * time.Second}

	if data, err := os.ReadFile(filepath.Join(findProjectRoot(), ".env")); err == nil {
		parseEnvFile(string(data), cfg)
	}
	applyEnv(cfg, os.Getenv)

	loaded = cfg
	loadDone = true
	return *cfg
}

func applyEnv(cfg *Defaults, get func(string) string) {
	if v := get("ADBLINK_SERIAL"); v != "" {
		cfg.Serial = v
	}
	if v := get("ADBLINK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := get("ADBLINK_KEY_PATH"); v != "" {
		cfg.KeyPath = v
	}
	if v := get("ADBLINK_LOG"); v != "" {
		cfg.LogLevel = v
	}
}

func parseEnvFile(content string, cfg *Defaults) {
	vars := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		vars[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	applyEnv(cfg, func(k string) string { return vars[k] })
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
