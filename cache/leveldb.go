package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	levelNamespacePrefix = "n:"
	levelEntryPrefix     = "e:"
	levelKeySeparator    = "\x00"
)

// LevelDBCache stores entries in an embedded LevelDB database.
// Namespaces are kept as marker keys, entries as gob encoded records.
type LevelDBCache struct {
	db *leveldb.DB
	// serializes multi-key operations (clear, drop) against writers
	writeMutex *sync.Mutex
}

func NewLevelDBCache(path string) (LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBCache{}, err
	}
	return LevelDBCache{db: db, writeMutex: &sync.Mutex{}}, nil
}

func namespaceKey(namespace string) []byte {
	return []byte(levelNamespacePrefix + namespace)
}

func entryPrefix(namespace string) []byte {
	return []byte(levelEntryPrefix + namespace + levelKeySeparator)
}

func entryKey(namespace, key string) []byte {
	return append(entryPrefix(namespace), key...)
}

func (l LevelDBCache) Open(_ context.Context, namespace string) error {
	return l.db.Put(namespaceKey(namespace), nil, nil)
}

func (l LevelDBCache) Namespaces(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(levelNamespacePrefix)), nil)
	defer it.Release()
	names := make([]string, 0)
	for it.Next() {
		names = append(names, strings.TrimPrefix(string(it.Key()), levelNamespacePrefix))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (l LevelDBCache) Drop(ctx context.Context, namespace string) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	batch := l.clearBatch(namespace)
	batch.Delete(namespaceKey(namespace))
	return l.db.Write(batch, nil)
}

func (l LevelDBCache) Get(_ context.Context, namespace, key string) (CacheEntry, error) {
	b, err := l.db.Get(entryKey(namespace, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	return decodeRecord(key, b)
}

func (l LevelDBCache) Put(_ context.Context, namespace string, ce CacheEntry) error {
	b, err := encodeRecord(ce)
	if err != nil {
		return err
	}
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	batch := new(leveldb.Batch)
	batch.Put(namespaceKey(namespace), nil)
	batch.Put(entryKey(namespace, ce.Key), b)
	return l.db.Write(batch, nil)
}

func (l LevelDBCache) Purge(_ context.Context, namespace, key string) error {
	return l.db.Delete(entryKey(namespace, key), nil)
}

func (l LevelDBCache) Clear(_ context.Context, namespace string) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	return l.db.Write(l.clearBatch(namespace), nil)
}

func (l LevelDBCache) clearBatch(namespace string) *leveldb.Batch {
	batch := new(leveldb.Batch)
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix(namespace)), nil)
	defer it.Release()
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	return batch
}

func (l LevelDBCache) Keys(_ context.Context, namespace string, cb func(string)) error {
	prefix := entryPrefix(namespace)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(it.Key()[len(prefix):]))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (l LevelDBCache) Close() error {
	return l.db.Close()
}
