package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses,
// grouped into named partitions.
// Partitions are ordered by creation; entries within a partition by insertion.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// CreatePartition creates the named partition if it does not exist yet.
	CreatePartition(name string) error
	// Partitions returns all partition names, oldest first.
	Partitions() ([]string, error)
	// DeletePartition removes the partition and its entries.
	// It reports whether the partition existed.
	DeletePartition(name string) (bool, error)
	// Get returns the entry stored under the key in the partition.
	// The boolean is false if there is no such entry.
	Get(partition, key string) (CacheEntry, bool, error)
	// Put stores the entry, replacing any previous entry with the same partition and key.
	// The partition is created if needed. A failed put leaves the previous entry intact.
	Put(CacheEntry) error
	// Purge removes the entry for the given key, if any.
	Purge(partition, key string) error
	// AllKeys calls the given callback for each key in the partition, until it returns false.
	AllKeys(partition string, cb func(string) bool) error
}

type CacheEntry struct {
	Partition string
	Key       string
	StoredAt  time.Time
	Bytes     []byte
}

type memPartition struct {
	entries map[string]CacheEntry
	order   []string
}

type MemCache struct {
	mutex      *sync.RWMutex
	partitions map[string]*memPartition
	order      *[]string
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]*memPartition),
		order:      &[]string{},
	}
}

func (m MemCache) CreatePartition(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.createPartition(name)
	return nil
}

func (m MemCache) createPartition(name string) *memPartition {
	if p, ok := m.partitions[name]; ok {
		return p
	}
	p := &memPartition{entries: make(map[string]CacheEntry)}
	m.partitions[name] = p
	*m.order = append(*m.order, name)
	return p
}

func (m MemCache) Partitions() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), *m.order...), nil
}

func (m MemCache) DeletePartition(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.partitions[name]; !ok {
		return false, nil
	}
	delete(m.partitions, name)
	*m.order = removeString(*m.order, name)
	return true, nil
}

func (m MemCache) Get(partition, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.partitions[partition]
	if !ok {
		return CacheEntry{}, false, nil
	}
	entry, ok := p.entries[key]
	return entry, ok, nil
}

func (m MemCache) Put(ce CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p := m.createPartition(ce.Partition)
	if _, ok := p.entries[ce.Key]; ok {
		p.order = removeString(p.order, ce.Key)
	}
	ce.Bytes = append([]byte(nil), ce.Bytes...)
	p.entries[ce.Key] = ce
	p.order = append(p.order, ce.Key)
	return nil
}

func (m MemCache) Purge(partition, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if p, ok := m.partitions[partition]; ok {
		if _, ok := p.entries[key]; ok {
			delete(p.entries, key)
			p.order = removeString(p.order, key)
		}
	}
	return nil
}

func (m MemCache) AllKeys(partition string, cb func(string) bool) error {
	m.mutex.RLock()
	var keys []string
	if p, ok := m.partitions[partition]; ok {
		keys = append(keys, p.order...)
	}
	m.mutex.RUnlock()
	for _, key := range keys {
		if !cb(key) {
			break
		}
	}
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	dsn := filename
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return SQLiteCache{}, err
	}
	if filename == "" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition_name TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (partition_name, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init cache db: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// withPragmas adds a busy timeout so that concurrent connections wait for the writer.
func withPragmas(filename string) string {
	sep := "?"
	if strings.Contains(filename, "?") {
		sep = "&"
	}
	return filename + sep + "_pragma=busy_timeout(5000)"
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

func (s SQLiteCache) CreatePartition(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO partitions (name) VALUES (?)", name)
	return err
}

func (s SQLiteCache) Partitions() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM partitions ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) DeletePartition(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE partition_name = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s SQLiteCache) Get(partition, key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Partition: partition, Key: key}
	var storedAt int64
	err := s.db.QueryRow("SELECT stored_at, bytes FROM entries WHERE partition_name = ? AND key = ?", partition, key).
		Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.StoredAt = time.UnixMilli(storedAt)
	return entry, true, nil
}

func (s SQLiteCache) Put(ce CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("INSERT OR IGNORE INTO partitions (name) VALUES (?)", ce.Partition); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO entries
		(partition_name, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		ce.Partition, ce.Key, ce.StoredAt.UnixMilli(), ce.Bytes); err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Purge(partition, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE partition_name = ? AND key = ?", partition, key)
	return err
}

func (s SQLiteCache) AllKeys(partition string, cb func(string) bool) error {
	rows, err := s.db.Query("SELECT key FROM entries WHERE partition_name = ? ORDER BY rowid", partition)
	if err != nil {
		return err
	}
	// collect first so the callback can use the db
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		if !cb(key) {
			break
		}
	}
	return nil
}
