package store

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB persists caches in a single leveldb database.
//
// Layout:
//
//	n:<cache>              cache marker
//	e:<cache>\x00<key>     gob-encoded Record
type LevelDB struct {
	db *leveldb.DB
	mu sync.Mutex
}

func OpenLevelDB(path string, writeBuffer int64) (*LevelDB, error) {
	o := &opt.Options{}
	if writeBuffer > 0 {
		o.WriteBuffer = int(writeBuffer)
	}
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func markerKey(name string) []byte { return []byte("n:" + name) }

func entryPrefix(name string) []byte { return []byte("e:" + name + "\x00") }

func (l *LevelDB) Open(name string) (Cache, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(markerKey(name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := l.db.Put(markerKey(name), nil, nil); err != nil {
			return nil, err
		}
	}
	return &ldbCache{l: l, db: l.db, name: name, prefix: entryPrefix(name)}, nil
}

func (l *LevelDB) Names() ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("n:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (l *LevelDB) Delete(name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(markerKey(name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(markerKey(name))
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := l.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

type ldbCache struct {
	l      *LevelDB
	db     *leveldb.DB
	name   string
	prefix []byte
}

func (c *ldbCache) entryKey(key string) []byte {
	out := make([]byte, 0, len(c.prefix)+len(key))
	out = append(out, c.prefix...)
	return append(out, key...)
}

func (c *ldbCache) Match(key string, ignoreSearch bool) (Record, bool, error) {
	b, err := c.db.Get(c.entryKey(key), nil)
	switch {
	case err == nil:
		rec, err := unmarshalRecord(b)
		if err != nil {
			return Record{}, false, err
		}
		return rec, true, nil
	case !errors.Is(err, leveldb.ErrNotFound):
		return Record{}, false, err
	case !ignoreSearch:
		return Record{}, false, nil
	}

	want := StripSearch(key)
	it := c.db.NewIterator(util.BytesPrefix(c.prefix), nil)
	defer it.Release()
	for it.Next() {
		k := string(bytes.TrimPrefix(it.Key(), c.prefix))
		if StripSearch(k) != want {
			continue
		}
		rec, err := unmarshalRecord(it.Value())
		if err != nil {
			return Record{}, false, err
		}
		return rec, true, nil
	}
	return Record{}, false, it.Error()
}

func (c *ldbCache) Put(key string, rec Record) error {
	if err := checkKey(key); err != nil {
		return err
	}
	b, err := rec.marshal()
	if err != nil {
		return err
	}
	// The marker check and the write share the lock Delete takes, so an
	// entry can never outlive its cache.
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	ok, err := c.db.Has(markerKey(c.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCacheDeleted, c.name)
	}
	return c.db.Put(c.entryKey(key), b, nil)
}

func (c *ldbCache) Delete(key string) (bool, error) {
	ek := c.entryKey(key)
	ok, err := c.db.Has(ek, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, c.db.Delete(ek, nil)
}

func (c *ldbCache) Keys() ([]string, error) {
	it := c.db.NewIterator(util.BytesPrefix(c.prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), c.prefix)))
	}
	return out, it.Error()
}
