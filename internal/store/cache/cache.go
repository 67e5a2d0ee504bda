// Package cache provides a persistent embedding cache: vectors keyed by text
// hash and model name, stored in SQLite with an in-memory LRU front. It lets
// a re-index after a database reset reuse embeddings for unchanged text
// instead of re-running inference.
package cache

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Cache is a two-level embedding cache. Safe for concurrent use; SQLite
// serializes writers and the LRU has its own lock.
type Cache struct {
	db    *sql.DB
	model string
	lru   *lruCache
}

// New opens or creates the cache database at dbPath for the given model name.
// Parent directories are created if they do not exist. lruSize bounds the
// in-memory front; <=0 disables it.
func New(dbPath, model string, lruSize int) (*Cache, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	c := &Cache{db: db, model: model}
	if lruSize > 0 {
		c.lru = newLRUCache(lruSize)
	}
	return c, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS embeddings (
		text_hash TEXT NOT NULL,
		model TEXT NOT NULL,
		vector BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (text_hash, model)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Get returns the cached embedding for text, if present.
func (c *Cache) Get(text string) ([]float32, bool) {
	key := hashText(text)
	if c.lru != nil {
		if vec, ok := c.lru.Get(key); ok {
			return vec, true
		}
	}
	var blob []byte
	err := c.db.QueryRow(
		"SELECT vector FROM embeddings WHERE text_hash = ? AND model = ?",
		key, c.model,
	).Scan(&blob)
	if err != nil {
		return nil, false
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, false
	}
	if c.lru != nil {
		c.lru.Set(key, vec)
	}
	return vec, true
}

// Put stores the embedding for text, replacing any previous entry.
func (c *Cache) Put(text string, vec []float32) error {
	key := hashText(text)
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO embeddings (text_hash, model, vector, created_at) VALUES (?, ?, ?, ?)",
		key, c.model, encodeVector(vec), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store cached embedding: %w", err)
	}
	if c.lru != nil {
		c.lru.Set(key, vec)
	}
	return nil
}

// Purge removes all cached embeddings for this cache's model.
func (c *Cache) Purge() error {
	if _, err := c.db.Exec("DELETE FROM embeddings WHERE model = ?", c.model); err != nil {
		return fmt.Errorf("failed to purge cache: %w", err)
	}
	if c.lru != nil {
		c.lru.Clear()
	}
	return nil
}

// Count returns the number of cached embeddings for this cache's model.
func (c *Cache) Count() (int64, error) {
	var n int64
	err := c.db.QueryRow("SELECT COUNT(*) FROM embeddings WHERE model = ?", c.model).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

func encodeVector(vec []float32) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4*len(vec)))
	for _, v := range vec {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("malformed vector blob: %d bytes", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
