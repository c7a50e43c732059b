package querycore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Loader reads JSON-backed databases from a directory. Each file is one
// database; the file stem is the database name. Loaded record lists are
// cached in memory keyed on file mtime, so an unchanged file is never
// re-read and re-decoded.
type Loader struct {
	dir             string
	streamThreshold int64
	logger          Logger
	metrics         Metrics

	mu    sync.RWMutex
	cache map[string]*loadedDatabase
	locks *StripedLocks // serializes refresh per database
}

type loadedDatabase struct {
	records  []Record
	mtime    time.Time
	loadedAt time.Time
}

// canonicalNames maps human-readable database names to file stems. Lookups
// also accept the stem itself, so both "People & Contacts" and
// "people_contacts" resolve to people_contacts.json.
var canonicalNames = map[string]string{
	"people & contacts":      "people_contacts",
	"organizations":          "organizations",
	"events & meetings":      "events_meetings",
	"locations":              "locations",
	"documents & files":      "documents_files",
	"communications":         "communications",
	"financial records":      "financial_records",
	"vehicles & assets":      "vehicles_assets",
	"cases & investigations": "cases_investigations",
}

// NewLoader creates a loader over a record store directory
func NewLoader(dir string, logger Logger, metrics Metrics) *Loader {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Loader{
		dir:             dir,
		streamThreshold: DefaultStreamThreshold,
		logger:          logger,
		metrics:         metrics,
		cache:           make(map[string]*loadedDatabase),
		locks:           NewStripedLocks(32),
	}
}

// SetStreamThreshold overrides the file size above which the loader uses a
// streaming decoder instead of reading the whole file.
func (l *Loader) SetStreamThreshold(bytes int64) {
	l.streamThreshold = bytes
}

// resolveName maps a requested database name to its file stem
func resolveName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if stem, ok := canonicalNames[key]; ok {
		return stem
	}
	// Already a stem, or an unknown name used verbatim
	stem := strings.ReplaceAll(key, " & ", "_")
	stem = strings.ReplaceAll(stem, " ", "_")
	return stem
}

// LoadDatabase returns the records of a database, reading from disk only
// when the file mtime has advanced past the cached copy.
func (l *Loader) LoadDatabase(ctx context.Context, name string) ([]Record, error) {
	stem := resolveName(name)
	path := filepath.Join(l.dir, stem+".json")

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, WithContext(ErrDatabaseNotFound, map[string]interface{}{
				"database": name,
				"path":     path,
			})
		}
		return nil, err
	}

	l.mu.RLock()
	cached, ok := l.cache[stem]
	l.mu.RUnlock()
	if ok && !info.ModTime().After(cached.mtime) {
		l.metrics.Increment(MetricLoaderCacheHits, "database", stem)
		return cached.records, nil
	}

	// Serialize re-reads of the same database; concurrent loads of
	// different databases proceed on separate stripes.
	unlock := l.locks.Lock(stem)
	defer unlock()

	// Another goroutine may have refreshed while we waited
	l.mu.RLock()
	cached, ok = l.cache[stem]
	l.mu.RUnlock()
	if ok && !info.ModTime().After(cached.mtime) {
		l.metrics.Increment(MetricLoaderCacheHits, "database", stem)
		return cached.records, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	start := time.Now()
	records, err := l.readFile(path, stem, info.Size())
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[stem] = &loadedDatabase{
		records:  records,
		mtime:    info.ModTime(),
		loadedAt: time.Now(),
	}
	l.mu.Unlock()

	l.metrics.Increment(MetricLoaderReads, "database", stem)
	l.metrics.Timing(MetricLoadDuration, time.Since(start), "database", stem)
	l.logger.Debug("database loaded",
		"database", stem,
		"records", len(records),
		"size_bytes", info.Size(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return records, nil
}

// readFile decodes a database file. Files above the stream threshold are
// decoded incrementally from the open file handle; smaller files are read
// whole. Both paths accept either a top-level array or an object wrapping
// the array under "items", "results" or "data" (checked in that order).
func (l *Loader) readFile(path, stem string, size int64) ([]Record, error) {
	var raw interface{}

	if size >= l.streamThreshold {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := json.NewDecoder(f)
		if err := dec.Decode(&raw); err != nil {
			return nil, WithContext(ErrBadDatabaseShape, map[string]interface{}{
				"database": stem,
				"reason":   err.Error(),
			})
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, WithContext(ErrBadDatabaseShape, map[string]interface{}{
				"database": stem,
				"reason":   err.Error(),
			})
		}
	}

	list, err := extractRecordList(raw, stem)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(list))
	for i, item := range list {
		rec, ok := item.(map[string]interface{})
		if !ok {
			// Wrap bare scalars so every row is addressable
			rec = map[string]interface{}{"value": item}
		}
		records = append(records, normalizeRecord(rec, stem, i))
	}
	return records, nil
}

// wrapperKeys are tried in order; the first present list wins
var wrapperKeys = []string{"items", "results", "data"}

func extractRecordList(raw interface{}, stem string) ([]interface{}, error) {
	switch t := raw.(type) {
	case []interface{}:
		return t, nil
	case map[string]interface{}:
		for _, key := range wrapperKeys {
			if v, ok := t[key]; ok {
				if list, ok := v.([]interface{}); ok {
					return list, nil
				}
			}
		}
	}
	return nil, WithContext(ErrBadDatabaseShape, map[string]interface{}{
		"database": stem,
		"reason":   "neither a list nor an object with items/results/data",
	})
}

// AvailableDatabases lists the database names present in the store directory
func (l *Loader) AvailableDatabases() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Refresh drops cached copies so the next load re-reads from disk.
// With an empty name, every database is dropped.
func (l *Loader) Refresh(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if name == "" {
		l.cache = make(map[string]*loadedDatabase)
		return
	}
	delete(l.cache, resolveName(name))
}
