package querycore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// diskIndexEntry is one row of the L3 index file
type diskIndexEntry struct {
	Key        string    `json:"key"`
	Hash       string    `json:"hash"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Tags       []string  `json:"tags,omitempty"`
}

func (e *diskIndexEntry) expired(now time.Time) bool {
	return e.TTLSeconds > 0 && now.Sub(e.CreatedAt) > time.Duration(e.TTLSeconds)*time.Second
}

// DiskCache is the persistent L3 tier. Entries live under
// <root>/<shard>/<hash>.cache where the shard is the first two hex chars of
// the SHA-256 of the key, keeping directory fan-out bounded. A JSON index at
// the root tracks keys, TTLs and tags; writes go through a temp file and
// rename so a crash never leaves a torn entry.
type DiskCache struct {
	root    string
	logger  Logger
	metrics Metrics

	mu    sync.Mutex
	index map[string]*diskIndexEntry // key -> entry

	hits      int64
	misses    int64
	expired   int64
	evictions int64
}

const diskIndexFile = "index.json"

// NewDiskCache opens (or creates) an L3 cache rooted at dir. An existing
// index is loaded so entries survive process restarts.
func NewDiskCache(dir string, logger Logger, metrics Metrics) (*DiskCache, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l3",
			"op":     "init",
			"reason": err.Error(),
		})
	}

	c := &DiskCache{
		root:    dir,
		logger:  logger,
		metrics: metrics,
		index:   make(map[string]*diskIndexEntry),
	}
	if err := c.loadIndex(); err != nil {
		// A corrupt index is rebuilt empty rather than failing startup
		logger.Warn("disk cache index unreadable, starting empty", "dir", dir, "error", err.Error())
		c.index = make(map[string]*diskIndexEntry)
	}
	return c, nil
}

func keyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// entryPath returns <root>/<shard>/<hash>.cache for a key hash
func (c *DiskCache) entryPath(hash string) string {
	return filepath.Join(c.root, hash[:2], hash+".cache")
}

// Get reads the cached bytes for key. Expired entries are removed lazily.
func (c *DiskCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	entry, ok := c.index[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return nil, ErrCacheMiss
	}
	if entry.expired(time.Now()) {
		c.removeLocked(key, entry)
		c.expired++
		c.misses++
		c.mu.Unlock()
		c.metrics.Increment(MetricCacheExpired, "tier", "l3")
		return nil, ErrCacheMiss
	}
	path := c.entryPath(entry.Hash)
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		// Index said present but the file is gone: drop the entry
		c.mu.Lock()
		if cur, ok := c.index[key]; ok && cur == entry {
			c.removeLocked(key, entry)
		}
		c.misses++
		c.mu.Unlock()
		if os.IsNotExist(err) {
			return nil, ErrCacheMiss
		}
		return nil, WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l3",
			"op":     "get",
			"reason": err.Error(),
		})
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return data, nil
}

// Set writes bytes under key atomically and updates the index
func (c *DiskCache) Set(key string, value []byte, ttl time.Duration, tags ...string) error {
	hash := keyHash(key)
	path := c.entryPath(hash)

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l3",
			"op":     "set",
			"reason": err.Error(),
		})
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), hash+".tmp-*")
	if err != nil {
		return WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l3",
			"op":     "set",
			"reason": err.Error(),
		})
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l3",
			"op":     "set",
			"reason": err.Error(),
		})
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l3",
			"op":     "set",
			"reason": err.Error(),
		})
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l3",
			"op":     "set",
			"reason": err.Error(),
		})
	}

	c.mu.Lock()
	c.index[key] = &diskIndexEntry{
		Key:        key,
		Hash:       hash,
		SizeBytes:  int64(len(value)),
		CreatedAt:  time.Now(),
		TTLSeconds: int64(ttl / time.Second),
		Tags:       tags,
	}
	err = c.saveIndexLocked()
	c.mu.Unlock()
	return err
}

// Delete removes a single key and its file
func (c *DiskCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.index[key]; ok {
		c.removeLocked(key, entry)
		return c.saveIndexLocked()
	}
	return nil
}

// removeLocked deletes the entry file and drops the index row. Caller holds
// the lock; the index is not persisted here.
func (c *DiskCache) removeLocked(key string, entry *diskIndexEntry) {
	os.Remove(c.entryPath(entry.Hash))
	delete(c.index, key)
}

// InvalidatePattern removes every entry whose key contains the substring
func (c *DiskCache) InvalidatePattern(pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.index {
		if strings.Contains(key, pattern) {
			c.removeLocked(key, entry)
			removed++
		}
	}
	if removed > 0 {
		c.evictions += int64(removed)
		return removed, c.saveIndexLocked()
	}
	return 0, nil
}

// InvalidateTags removes every entry carrying at least one of the tags
func (c *DiskCache) InvalidateTags(tags []string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}

	removed := 0
	for key, entry := range c.index {
		for _, t := range entry.Tags {
			if tagSet[t] {
				c.removeLocked(key, entry)
				removed++
				break
			}
		}
	}
	if removed > 0 {
		c.evictions += int64(removed)
		return removed, c.saveIndexLocked()
	}
	return 0, nil
}

// Sweep removes every expired entry and reports how many were dropped
func (c *DiskCache) Sweep() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.index {
		if entry.expired(now) {
			c.removeLocked(key, entry)
			removed++
		}
	}
	if removed > 0 {
		c.expired += int64(removed)
		return removed, c.saveIndexLocked()
	}
	return 0, nil
}

// Clear drops every entry and the shard directories
func (c *DiskCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.index {
		c.removeLocked(key, entry)
	}
	c.index = make(map[string]*diskIndexEntry)
	return c.saveIndexLocked()
}

// Flush persists the index to disk
func (c *DiskCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveIndexLocked()
}

// loadIndex reads the index file at startup
func (c *DiskCache) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(c.root, diskIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []*diskIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		c.index[e.Key] = e
	}
	return nil
}

// saveIndexLocked writes the index atomically. Caller holds the lock.
func (c *DiskCache) saveIndexLocked() error {
	entries := make([]*diskIndexEntry, 0, len(c.index))
	for _, e := range c.index {
		entries = append(entries, e)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l3",
			"op":     "save_index",
			"reason": err.Error(),
		})
	}

	path := filepath.Join(c.root, diskIndexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, DefaultFilePermissions); err != nil {
		return WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l3",
			"op":     "save_index",
			"reason": err.Error(),
		})
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return WithContext(ErrCacheIO, map[string]interface{}{
			"tier":   "l3",
			"op":     "save_index",
			"reason": err.Error(),
		})
	}
	return nil
}

// Len returns the number of indexed entries
func (c *DiskCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Stats returns this tier's counters
func (c *DiskCache) Stats() TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var size int64
	for _, e := range c.index {
		size += e.SizeBytes
	}
	return TierStats{
		Tier:      "l3",
		Hits:      c.hits,
		Misses:    c.misses,
		Expired:   c.expired,
		Evictions: c.evictions,
		SizeBytes: size,
		Entries:   len(c.index),
	}
}
