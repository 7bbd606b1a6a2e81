package config

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Reloader holds the current configuration and re-reads the file when its
// modification time changes.
//
// Current takes the read lock so many goroutines can read without blocking
// each other; Reload takes the write lock only when a new config is swapped in.
// A file that fails to load or validate leaves the current config in place.
type Reloader struct {
	path string

	mu      sync.RWMutex
	current *Config
	modTime time.Time
}

// NewReloader loads path once. The error is returned if the first load fails.
func NewReloader(path string) (*Reloader, error) {
	r := &Reloader{path: path}
	if _, err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticReloader wraps an already loaded config. Reload never changes it.
func NewStaticReloader(cfg *Config) *Reloader {
	return &Reloader{current: cfg}
}

// Current returns the most recently loaded config.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Path returns the watched file, or "" for a static reloader.
func (r *Reloader) Path() string { return r.path }

// Reload re-reads the file if it changed since the last successful load.
// It reports whether a new config was applied.
func (r *Reloader) Reload() (bool, error) {
	if r.path == "" {
		return false, nil
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %s: %w", r.path, err)
	}

	r.mu.RLock()
	unchanged := r.current != nil && info.ModTime().Equal(r.modTime)
	r.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	cfg, err := Load(r.path)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.current = cfg
	r.modTime = info.ModTime()
	r.mu.Unlock()
	return true, nil
}
