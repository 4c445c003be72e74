package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite keeps caches in a single sqlite file. Use "memory" as the path for a
// shared in-memory database.
type SQLite struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if path == "memory" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS caches (name TEXT PRIMARY KEY)",
		"CREATE TABLE IF NOT EXISTS entries (cache TEXT NOT NULL, key TEXT NOT NULL, bare TEXT NOT NULL, record BLOB, PRIMARY KEY (cache, key))",
		"CREATE INDEX IF NOT EXISTS entries_bare_idx ON entries (cache, bare)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &SQLite{db: db, writeMutex: &sync.Mutex{}}, nil
}

func (s *SQLite) Open(name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("INSERT OR IGNORE INTO caches (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	return &sqliteCache{s: s, name: name}, nil
}

func (s *SQLite) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM caches ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteCache struct {
	s    *SQLite
	name string
}

func (c *sqliteCache) Match(key string, ignoreSearch bool) (Record, bool, error) {
	var blob []byte
	err := c.s.db.QueryRow("SELECT record FROM entries WHERE cache = ? AND key = ?", c.name, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) && ignoreSearch {
		err = c.s.db.QueryRow(
			"SELECT record FROM entries WHERE cache = ? AND bare = ? ORDER BY key LIMIT 1",
			c.name, StripSearch(key),
		).Scan(&blob)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, err := unmarshalRecord(blob)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (c *sqliteCache) Put(key string, rec Record) error {
	if err := checkKey(key); err != nil {
		return err
	}
	blob, err := rec.marshal()
	if err != nil {
		return err
	}
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	res, err := c.s.db.Exec(
		`INSERT OR REPLACE INTO entries (cache, key, bare, record)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM caches WHERE name = ?)`,
		c.name, key, StripSearch(key), blob, c.name,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCacheDeleted, c.name)
	}
	return nil
}

func (c *sqliteCache) Delete(key string) (bool, error) {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	res, err := c.s.db.Exec("DELETE FROM entries WHERE cache = ? AND key = ?", c.name, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (c *sqliteCache) Keys() ([]string, error) {
	rows, err := c.s.db.Query("SELECT key FROM entries WHERE cache = ? ORDER BY key", c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
