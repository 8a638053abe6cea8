package parser

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"corpusd/internal/logging"
	"corpusd/internal/types"
)

// TagCache persists parse results keyed by content identity so a restart or a
// re-index of unchanged files never re-parses them. The cache is bounded by
// entry count and total payload bytes; eviction is LRU on access time.
type TagCache struct {
	mu         sync.Mutex
	db         *sql.DB
	maxEntries int
	maxBytes   int64
	putsSince  int
}

// evictCheckEvery amortizes the eviction query across puts.
const evictCheckEvery = 128

// CacheKey derives the cache key for one file version.
func CacheKey(path string, mtimeNS, size int64) string {
	h := sha256.New()
	h.Write([]byte(path))
	fmt.Fprintf(h, "|%d|%d", mtimeNS, size)
	return hex.EncodeToString(h.Sum(nil))
}

// OpenTagCache opens (creating if needed) the cache database.
func OpenTagCache(path string, maxEntries int, maxBytes int64) (*TagCache, error) {
	if maxEntries <= 0 {
		maxEntries = 50_000
	}
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS tag_cache (
		key         TEXT PRIMARY KEY,
		path        TEXT NOT NULL,
		payload     BLOB NOT NULL,
		bytes       INTEGER NOT NULL,
		accessed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tag_cache_accessed ON tag_cache(accessed_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tag_cache schema: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	return &TagCache{db: db, maxEntries: maxEntries, maxBytes: maxBytes}, nil
}

// Close closes the underlying database.
func (c *TagCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// Get returns the cached tags for a key, bumping its access time on hit.
func (c *TagCache) Get(key string) ([]types.Tag, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var payload []byte
	err := c.db.QueryRow("SELECT payload FROM tag_cache WHERE key = ?", key).Scan(&payload)
	if err != nil {
		return nil, false
	}

	var tags []types.Tag
	if err := json.Unmarshal(payload, &tags); err != nil {
		// A corrupt row is dropped, not surfaced.
		c.db.Exec("DELETE FROM tag_cache WHERE key = ?", key)
		return nil, false
	}

	c.db.Exec("UPDATE tag_cache SET accessed_at = ? WHERE key = ?", time.Now().UnixNano(), key)
	return tags, true
}

// Put stores the tags for a key and occasionally enforces the bounds.
func (c *TagCache) Put(key, path string, tags []types.Tag) {
	payload, err := json.Marshal(tags)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.Exec(`
		INSERT INTO tag_cache (key, path, payload, bytes, accessed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			bytes = excluded.bytes,
			accessed_at = excluded.accessed_at`,
		key, path, payload, len(payload), time.Now().UnixNano())
	if err != nil {
		logging.ParseDebug("tag cache put failed: %v", err)
		return
	}

	c.putsSince++
	if c.putsSince >= evictCheckEvery {
		c.putsSince = 0
		c.evictLocked()
	}
}

// evictLocked deletes least-recently-used rows until both bounds hold.
func (c *TagCache) evictLocked() {
	var count int
	var total sql.NullInt64
	if err := c.db.QueryRow("SELECT COUNT(*), SUM(bytes) FROM tag_cache").Scan(&count, &total); err != nil {
		return
	}
	if count <= c.maxEntries && total.Int64 <= c.maxBytes {
		return
	}

	// Drop the oldest quarter; repeated puts converge on the bounds.
	drop := count / 4
	if drop < 1 {
		drop = 1
	}
	res, err := c.db.Exec(`
		DELETE FROM tag_cache WHERE key IN (
			SELECT key FROM tag_cache ORDER BY accessed_at ASC LIMIT ?
		)`, drop)
	if err != nil {
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.ParseDebug("tag cache evicted %d entries", n)
	}
}

// Stats returns entry count and payload bytes, for the stats surface.
func (c *TagCache) Stats() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total sql.NullInt64
	c.db.QueryRow("SELECT COUNT(*), SUM(bytes) FROM tag_cache").Scan(&entries, &total)
	return entries, total.Int64
}
