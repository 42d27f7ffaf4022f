package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Manager owns the live RuntimeConfig. Readers call Current (lock-free);
// the save path serialises writers and persists the file atomically.
type Manager struct {
	path    string
	current atomic.Pointer[RuntimeConfig]
	saveMu  sync.Mutex
}

// LoadManager reads the YAML file at path and returns a Manager around it.
// A missing file is not an error: defaults are used and written back on the
// first Save, matching how fresh deployments bootstrap their config.
func LoadManager(path string) (*Manager, error) {
	m := &Manager{path: path}

	cfg := NewDefaultRuntimeConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Printf("[config] %s not found, using defaults", path)
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return m, nil
}

// NewManagerForTest wraps an in-memory config with no backing file.
func NewManagerForTest(cfg *RuntimeConfig) *Manager {
	m := &Manager{}
	m.current.Store(cfg)
	return m
}

// Current returns the live config snapshot. The returned pointer must be
// treated as read-only; mutate through Update.
func (m *Manager) Current() *RuntimeConfig {
	return m.current.Load()
}

// Update applies fn to a copy of the current config, validates it, swaps it
// in, and persists it. The copy is shallow plus the slice fields fn may
// touch; fn must not retain the pointer.
func (m *Manager) Update(fn func(*RuntimeConfig)) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	next := *m.current.Load()
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	m.current.Store(&next)
	return m.persist(&next)
}

// SetOwnIP caches the host's egress IP through the config save path
// (probe batches refresh it at start).
func (m *Manager) SetOwnIP(ip string) error {
	return m.Update(func(c *RuntimeConfig) { c.Main.OwnIP = ip })
}

// Reload re-reads the backing file and swaps the result in.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("config: reload %s: %w", m.path, err)
	}
	cfg := NewDefaultRuntimeConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", m.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.current.Store(cfg)
	return nil
}

// persist writes the config via temp-file + rename so a crash mid-write
// never truncates the live file. Callers hold saveMu.
func (m *Manager) persist(cfg *RuntimeConfig) error {
	if m.path == "" {
		return nil // test managers have no backing file
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".weir-config-*")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: replace %s: %w", m.path, err)
	}
	return nil
}
