package localengine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WrapperCache persists WrapperProber's probe results to a JSON file keyed
// by "path|size|mtime", so a model that hasn't changed on disk never re-runs
// the probe sequence. Writes go through a temp file plus rename so a crash
// mid-write never leaves a corrupt cache file behind.
type WrapperCache struct {
	path string

	mu      sync.Mutex
	entries map[string]string
	loaded  bool
}

// NewWrapperCache returns a cache backed by path. The file is read lazily
// on first Get/Set so a missing file is not an error at construction.
func NewWrapperCache(path string) *WrapperCache {
	return &WrapperCache{path: path, entries: map[string]string{}}
}

// CacheKey builds the "path|size|mtime" cache key for a model file.
func CacheKey(modelPath string, size int64, mtimeUnix int64) string {
	return fmt.Sprintf("%s|%d|%d", modelPath, size, mtimeUnix)
}

func (c *WrapperCache) ensureLoaded() {
	if c.loaded {
		return
	}
	c.loaded = true
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	c.entries = entries
}

// Get returns the cached wrapper name for key, if present.
func (c *WrapperCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded()
	name, ok := c.entries[key]
	return name, ok
}

// Set records key -> wrapperName and persists the cache file atomically
// (write to a .tmp sibling, then rename over the target).
func (c *WrapperCache) Set(key, wrapperName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded()
	if c.entries == nil {
		c.entries = map[string]string{}
	}
	c.entries[key] = wrapperName
	return c.persistLocked()
}

func (c *WrapperCache) persistLocked() error {
	if c.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wrapper cache: %w", err)
	}
	if dir := filepath.Dir(c.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create wrapper cache dir: %w", err)
		}
	}
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write wrapper cache: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("rename wrapper cache: %w", err)
	}
	return nil
}
