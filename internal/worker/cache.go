package worker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vtedge/internal/store"
)

// ResponseCache is the versioned response store the strategies read and
// write. Every operation is best effort: errors are logged and reported to
// the caller, never turned into a failed request.
type ResponseCache struct {
	storage store.Storage
	prefix  string
	now     func() time.Time
	log     zerolog.Logger
}

// Handle is an opened namespace.
type Handle struct {
	Name  string
	cache store.Cache
}

func NewResponseCache(s store.Storage, prefix string, now func() time.Time, log zerolog.Logger) *ResponseCache {
	if now == nil {
		now = time.Now
	}
	return &ResponseCache{storage: s, prefix: prefix, now: now, log: log}
}

func (rc *ResponseCache) Open(name string) (*Handle, error) {
	c, err := rc.storage.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Handle{Name: name, cache: c}, nil
}

// Match looks key up in h. A storage failure reads as a miss.
func (rc *ResponseCache) Match(h *Handle, key string, ignoreSearch bool) (*Entry, bool) {
	if h == nil {
		return nil, false
	}
	rec, ok, err := h.cache.Match(key, ignoreSearch)
	if err != nil {
		rc.log.Warn().Err(err).Str("cache", h.Name).Str("key", key).Msg("cache match failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return newEntry(key, fromRecord(rec)), true
}

// MatchAny returns the first hit for key across handles, in order.
func (rc *ResponseCache) MatchAny(key string, handles ...*Handle) (*Entry, bool) {
	for _, h := range handles {
		if e, ok := rc.Match(h, key, false); ok {
			return e, true
		}
	}
	return nil, false
}

// Put stores resp as is, without a cache-time stamp. Entries written this
// way count as already expired.
func (rc *ResponseCache) Put(h *Handle, key string, resp *Response) error {
	if err := h.cache.Put(key, resp.Clone().record()); err != nil {
		return fmt.Errorf("put %s in %s: %w", key, h.Name, err)
	}
	return nil
}

// PutWithTimestamp stores a copy of resp stamped with the current time.
// Responses carrying Set-Cookie are never stored.
func (rc *ResponseCache) PutWithTimestamp(h *Handle, key string, resp *Response) error {
	if resp == nil || len(resp.Header.Values("Set-Cookie")) > 0 {
		return nil
	}
	stamped := resp.Clone()
	stamped.Header.Set(CacheTimeHeader, strconv.FormatInt(rc.now().UnixMilli(), 10))
	if err := h.cache.Put(key, stamped.record()); err != nil {
		return fmt.Errorf("put %s in %s: %w", key, h.Name, err)
	}
	return nil
}

// IsExpired reports whether e is absent or older than maxAge.
func (rc *ResponseCache) IsExpired(e *Entry, maxAge time.Duration) bool {
	if e == nil || e.StoredAt.IsZero() {
		return true
	}
	return rc.now().Sub(e.StoredAt) > maxAge
}

// EnforceLimit deletes the oldest entries of h, by write time, until at most
// max remain. It returns how many entries were deleted.
func (rc *ResponseCache) EnforceLimit(h *Handle, max int) (int, error) {
	keys, err := h.cache.Keys()
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", h.Name, err)
	}
	if len(keys) <= max {
		return 0, nil
	}

	type aged struct {
		key string
		at  int64
	}
	entries := make([]aged, 0, len(keys))
	for _, k := range keys {
		var at int64
		if e, ok := rc.Match(h, k, false); ok && !e.StoredAt.IsZero() {
			at = e.StoredAt.UnixMilli()
		}
		entries = append(entries, aged{key: k, at: at})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].at != entries[j].at {
			return entries[i].at < entries[j].at
		}
		return entries[i].key < entries[j].key
	})

	deleted := 0
	for _, e := range entries[:len(entries)-max] {
		if _, err := h.cache.Delete(e.key); err != nil {
			rc.log.Warn().Err(err).Str("cache", h.Name).Str("key", e.key).Msg("evict failed")
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Count returns the number of entries in h, or -1 if it cannot be listed.
func (rc *ResponseCache) Count(h *Handle) int {
	keys, err := h.cache.Keys()
	if err != nil {
		return -1
	}
	return len(keys)
}

// PurgeNamespacesNotIn deletes every cache carrying this system's prefix
// whose name is not in expected. Caches of other applications are left alone.
func (rc *ResponseCache) PurgeNamespacesNotIn(expected []string) ([]string, error) {
	keep := make(map[string]struct{}, len(expected))
	for _, n := range expected {
		keep[n] = struct{}{}
	}
	return rc.purge(func(name string) bool {
		_, ok := keep[name]
		return !ok
	})
}

// PurgeAll deletes every cache carrying this system's prefix.
func (rc *ResponseCache) PurgeAll() ([]string, error) {
	return rc.purge(func(string) bool { return true })
}

func (rc *ResponseCache) purge(doomed func(string) bool) ([]string, error) {
	names, err := rc.storage.Names()
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if !strings.HasPrefix(name, rc.prefix) || !doomed(name) {
			continue
		}
		if _, err := rc.storage.Delete(name); err != nil {
			rc.log.Warn().Err(err).Str("cache", name).Msg("delete cache failed")
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}
