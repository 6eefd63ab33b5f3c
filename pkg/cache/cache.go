// Package cache holds the last known value of every PSX keyword seen on
// the wire, so the router can welcome new clients with a full snapshot
// without waiting for the simulator to resend everything.
//
// The cache persists to a JSON file across restarts, which lets a router
// come back up and serve welcome sequences even before its upstream
// reconnects.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// formatVersion is bumped when the on-disk layout changes. Files with a
// different version are discarded, not migrated.
const formatVersion = 2

// entry is one cached keyword with its last update time.
type entry struct {
	value   string
	updated time.Time
}

// Cache is a concurrency-safe keyword/value store.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Update stores a keyword value with the current time.
func (c *Cache) Update(keyword, value string) error {
	return c.UpdateAt(keyword, value, time.Now())
}

// UpdateAt stores a keyword value with an explicit timestamp. Values for
// integer-typed keywords (Qi, Qh) must parse as integers; anything else
// is rejected so the cache never replays a wrong-typed value.
func (c *Cache) UpdateAt(keyword, value string, at time.Time) error {
	if strings.HasPrefix(keyword, "Qi") || strings.HasPrefix(keyword, "Qh") {
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("keyword %s takes an integer, got %q", keyword, value)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyword] = entry{value: value, updated: at}
	return nil
}

// Has reports whether the keyword is cached.
func (c *Cache) Has(keyword string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[keyword]
	return ok
}

// Get returns the cached value for a keyword.
func (c *Cache) Get(keyword string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[keyword]
	return e.value, ok
}

// Age returns how long ago the keyword was last updated.
func (c *Cache) Age(keyword string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[keyword]
	if !ok {
		return 0, false
	}
	return time.Since(e.updated), true
}

// Keys returns all cached keywords in map order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Size returns the number of cached keywords.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// fileFormat is the on-disk JSON shape.
type fileFormat struct {
	Version  int                       `json:"version"`
	Keywords map[string]fileEntryValue `json:"keywords"`
}

type fileEntryValue struct {
	Value   any     `json:"value"`
	Updated float64 `json:"updated"`
}

// FileName returns the cache file name for a router.
func FileName(routerName string) string {
	return fmt.Sprintf("frankenrouter-%s.cache.json", routerName)
}

// Save writes the cache to path. An empty cache is not written, so a
// router that never saw traffic does not clobber a previous snapshot.
func (c *Cache) Save(path string) error {
	c.mu.RLock()
	if len(c.entries) == 0 {
		c.mu.RUnlock()
		return nil
	}
	out := fileFormat{
		Version:  formatVersion,
		Keywords: make(map[string]fileEntryValue, len(c.entries)),
	}
	for k, e := range c.entries {
		out.Keywords[k] = fileEntryValue{
			Value:   encodeValue(k, e.value),
			Updated: float64(e.updated.UnixNano()) / float64(time.Second),
		}
	}
	c.mu.RUnlock()

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return nil
}

// Load replaces the cache contents from a snapshot file. A missing file is
// not an error; a snapshot with the wrong format version is rejected.
func (c *Cache) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading cache: %w", err)
	}

	var in fileFormat
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decoding cache: %w", err)
	}
	if in.Version != formatVersion {
		return fmt.Errorf("cache file %s has version %d, want %d", path, in.Version, formatVersion)
	}

	entries := make(map[string]entry, len(in.Keywords))
	for k, fe := range in.Keywords {
		sec := int64(fe.Updated)
		nsec := int64((fe.Updated - float64(sec)) * float64(time.Second))
		entries[k] = entry{
			value:   decodeValue(fe.Value),
			updated: time.Unix(sec, nsec),
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// encodeValue stores Qi/Qh values as JSON numbers so the snapshot round
// trips with integer-typed readers.
func encodeValue(keyword, value string) any {
	if strings.HasPrefix(keyword, "Qi") || strings.HasPrefix(keyword, "Qh") {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return value
}

// decodeValue converts a loaded JSON value back to its wire string.
func decodeValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
