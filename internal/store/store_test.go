package store

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"vtedge/internal/config"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()

	ldb, err := OpenLevelDB(filepath.Join(t.TempDir(), "ldb"), 0)
	require.NoError(t, err)
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	out := map[string]Storage{
		"memory":  NewMemory(),
		"leveldb": ldb,
		"sqlite":  sq,
	}
	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func rec(body string) Record {
	h := http.Header{}
	h.Set("Content-Type", "text/html")
	return Record{Status: http.StatusOK, Header: h, Body: []byte(body)}
}

// TestStorage_OpenIsIdempotent checks both handles see the same entries.
func TestStorage_OpenIsIdempotent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a, err := s.Open("vt-cache-pages-v1")
			require.NoError(t, err)
			b, err := s.Open("vt-cache-pages-v1")
			require.NoError(t, err)

			key := Key(http.MethodGet, "http://site/")
			require.NoError(t, a.Put(key, rec("home")))

			got, ok, err := b.Match(key, false)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "home", string(got.Body))
			require.Equal(t, "text/html", got.Header.Get("Content-Type"))

			names, err := s.Names()
			require.NoError(t, err)
			require.Equal(t, []string{"vt-cache-pages-v1"}, names)
		})
	}
}

// TestCache_IgnoreSearch checks query-insensitive lookup.
func TestCache_IgnoreSearch(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open("pages")
			require.NoError(t, err)
			require.NoError(t, c.Put(Key(http.MethodGet, "http://site/blog?page=2"), rec("two")))

			_, ok, err := c.Match(Key(http.MethodGet, "http://site/blog"), false)
			require.NoError(t, err)
			require.False(t, ok)

			got, ok, err := c.Match(Key(http.MethodGet, "http://site/blog"), true)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "two", string(got.Body))
		})
	}
}

// TestCache_RejectsNonGET checks only GET keys are stored.
func TestCache_RejectsNonGET(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open("api")
			require.NoError(t, err)
			err = c.Put(Key(http.MethodPost, "http://site/api/x"), rec("{}"))
			require.ErrorIs(t, err, ErrNotCacheable)

			keys, err := c.Keys()
			require.NoError(t, err)
			require.Empty(t, keys)
		})
	}
}

// TestStorage_DeleteRemovesEntries checks a deleted cache comes back empty.
func TestStorage_DeleteRemovesEntries(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open("assets")
			require.NoError(t, err)
			require.NoError(t, c.Put(Key(http.MethodGet, "http://site/a.css"), rec("a")))
			require.NoError(t, c.Put(Key(http.MethodGet, "http://site/b.css"), rec("b")))

			keys, err := c.Keys()
			require.NoError(t, err)
			require.Len(t, keys, 2)

			deleted, err := c.Delete(Key(http.MethodGet, "http://site/a.css"))
			require.NoError(t, err)
			require.True(t, deleted)
			deleted, err = c.Delete(Key(http.MethodGet, "http://site/a.css"))
			require.NoError(t, err)
			require.False(t, deleted)

			ok, err := s.Delete("assets")
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = s.Delete("assets")
			require.NoError(t, err)
			require.False(t, ok)

			c, err = s.Open("assets")
			require.NoError(t, err)
			keys, err = c.Keys()
			require.NoError(t, err)
			require.Empty(t, keys)
		})
	}
}

// TestStorage_StaleHandleCannotRefillDeletedCache checks a handle kept
// across a delete (a background refresh racing a purge) leaves nothing behind.
func TestStorage_StaleHandleCannotRefillDeletedCache(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			stale, err := s.Open("vt-cache-pages-v1")
			require.NoError(t, err)
			require.NoError(t, stale.Put(Key(http.MethodGet, "http://site/"), rec("home")))

			ok, err := s.Delete("vt-cache-pages-v1")
			require.NoError(t, err)
			require.True(t, ok)

			err = stale.Put(Key(http.MethodGet, "http://site/blog"), rec("blog"))
			require.ErrorIs(t, err, ErrCacheDeleted)

			names, err := s.Names()
			require.NoError(t, err)
			require.NotContains(t, names, "vt-cache-pages-v1")

			fresh, err := s.Open("vt-cache-pages-v1")
			require.NoError(t, err)
			keys, err := fresh.Keys()
			require.NoError(t, err)
			require.Empty(t, keys)
			_, found, err := fresh.Match(Key(http.MethodGet, "http://site/blog"), false)
			require.NoError(t, err)
			require.False(t, found)
		})
	}
}

// TestMemory_MatchReturnsCopy checks callers cannot mutate stored records.
func TestMemory_MatchReturnsCopy(t *testing.T) {
	c, err := NewMemory().Open("pages")
	require.NoError(t, err)
	key := Key(http.MethodGet, "http://site/")
	require.NoError(t, c.Put(key, rec("home")))

	got, _, err := c.Match(key, false)
	require.NoError(t, err)
	got.Body[0] = 'X'
	got.Header.Set("Content-Type", "text/plain")

	again, _, err := c.Match(key, false)
	require.NoError(t, err)
	require.Equal(t, "home", string(again.Body))
	require.Equal(t, "text/html", again.Header.Get("Content-Type"))
}

func TestKeyHelpers(t *testing.T) {
	key := Key(http.MethodGet, "http://site/a?b=1#c")
	method, u := SplitKey(key)
	require.Equal(t, "GET", method)
	require.Equal(t, "http://site/a?b=1#c", u)
	require.Equal(t, "GET http://site/a", StripSearch(key))
}

func TestNew_SelectsProvider(t *testing.T) {
	s, err := New(config.Storage{Provider: "memory"})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)

	s, err = New(config.Storage{Provider: "sqlite", Path: "memory"})
	require.NoError(t, err)
	require.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = New(config.Storage{Provider: "clover"})
	require.Error(t, err)
}
