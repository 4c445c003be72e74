// Package store is the cache storage primitive the worker builds on: a set of
// named caches, each mapping a request key to a stored response.
package store

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"vtedge/internal/config"
)

var (
	ErrNotCacheable = errors.New("store: only GET requests can be cached")
	ErrClosed       = errors.New("store: storage closed")
	// ErrCacheDeleted is returned by writes through a handle whose cache
	// has since been deleted.
	ErrCacheDeleted = errors.New("store: cache was deleted")
)

// Record is a stored response. Header and Body are owned by the store;
// Match hands out copies.
type Record struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r Record) Clone() Record {
	out := Record{Status: r.Status, Header: r.Header.Clone()}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	return out
}

type Cache interface {
	// Match looks key up. With ignoreSearch the query string of both the
	// stored keys and key is ignored.
	Match(key string, ignoreSearch bool) (Record, bool, error)
	Put(key string, rec Record) error
	Delete(key string) (bool, error)
	Keys() ([]string, error)
}

type Storage interface {
	// Open returns the cache called name, creating it if needed. Opening the
	// same name twice yields the same underlying cache.
	Open(name string) (Cache, error)
	Names() ([]string, error)
	Delete(name string) (bool, error)
	Close() error
}

// Key builds the request key a record is stored under.
func Key(method, absURL string) string { return method + " " + absURL }

// SplitKey is the inverse of Key.
func SplitKey(key string) (method, absURL string) {
	method, absURL, ok := strings.Cut(key, " ")
	if !ok {
		return "", key
	}
	return method, absURL
}

// StripSearch drops the query string and fragment from the URL part of key.
func StripSearch(key string) string {
	if i := strings.IndexAny(key, "?#"); i >= 0 {
		return key[:i]
	}
	return key
}

func checkKey(key string) error {
	if method, _ := SplitKey(key); method != http.MethodGet {
		return fmt.Errorf("%w: %q", ErrNotCacheable, method)
	}
	return nil
}

// New opens the storage backend selected in cfg.
func New(cfg config.Storage) (Storage, error) {
	switch cfg.Provider {
	case "", "memory":
		return NewMemory(), nil
	case "leveldb":
		return OpenLevelDB(cfg.Path, cfg.WriteBufferBytes())
	case "sqlite":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", cfg.Provider)
	}
}
