// Package share holds the payloads an endpoint is willing to send and
// parses the text commands that request them.
package share

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/rescp17/vnet/internal/util"
)

var ErrNotFound = errors.New("share: payload not cached")

// Entry is one cached payload.
type Entry struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	MimeType string `json:"mime_type"`
	Checksum string `json:"checksum"`
	data     []byte
}

// Data returns the payload bytes.
func (e Entry) Data() []byte { return e.data }

// Cache maps file names, compared case-insensitively, to payloads. It is
// filled from a directory and falls back to that directory on a miss.
type Cache struct {
	mu      sync.RWMutex
	dir     string
	entries map[string]Entry
}

// NewCache creates a cache backed by dir. dir may be empty for a purely
// in-memory cache.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir, entries: make(map[string]Entry)}
}

func newEntry(name string, data []byte) Entry {
	sum := sha256.Sum256(data)
	return Entry{
		Name:     name,
		Size:     len(data),
		MimeType: mimetype.Detect(data).String(),
		Checksum: hex.EncodeToString(sum[:]),
		data:     data,
	}
}

// Load reads every regular file at the top of the cache directory. A
// missing directory is created.
func (c *Cache) Load() (int, error) {
	if c.dir == "" {
		return 0, nil
	}
	exists, isDir, err := util.CheckDirectory(c.dir)
	if err != nil {
		return 0, fmt.Errorf("check cache directory: %w", err)
	}
	if !exists {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return 0, fmt.Errorf("create cache directory: %w", err)
		}
		return 0, nil
	}
	if !isDir {
		return 0, fmt.Errorf("cache path %s is not a directory", c.dir)
	}

	files, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("read cache directory: %w", err)
	}
	loaded := 0
	for _, f := range files {
		if !f.Type().IsRegular() {
			continue
		}
		if _, err := c.loadFile(f.Name()); err != nil {
			slog.Error("Failed to cache payload", "file", f.Name(), "error", err)
			continue
		}
		loaded++
	}
	slog.Info("Payload cache built", "dir", c.dir, "files", loaded)
	return loaded, nil
}

func (c *Cache) loadFile(name string) (Entry, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return Entry{}, err
	}
	e := newEntry(name, data)
	c.mu.Lock()
	c.entries[strings.ToLower(name)] = e
	c.mu.Unlock()
	return e, nil
}

// Put stores data under name, replacing any previous entry.
func (c *Cache) Put(name string, data []byte) Entry {
	e := newEntry(filepath.Base(name), data)
	c.mu.Lock()
	c.entries[strings.ToLower(e.Name)] = e
	c.mu.Unlock()
	return e
}

// Lookup returns the payload for name, loading it from the cache
// directory when it is not in memory yet.
func (c *Cache) Lookup(name string) (Entry, error) {
	name = filepath.Base(name)
	c.mu.RLock()
	e, ok := c.entries[strings.ToLower(name)]
	c.mu.RUnlock()
	if ok {
		return e, nil
	}
	if c.dir == "" {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	e, err := c.loadFile(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Entry{}, fmt.Errorf("load %s: %w", name, err)
	}
	return e, nil
}

// Entries lists the cached payloads by name.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
