package cache

import (
	"context"
	"sort"
	"sync"
)

// MemCache keeps entries in process memory. It is used in tests and
// for deployments that do not need entries to survive a restart.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string]CacheEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]CacheEntry),
	}
}

func (m MemCache) Open(_ context.Context, namespace string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[namespace]; !ok {
		m.db[namespace] = make(map[string]CacheEntry)
	}
	return nil
}

func (m MemCache) Namespaces(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemCache) Drop(_ context.Context, namespace string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, namespace)
	return nil
}

func (m MemCache) Get(_ context.Context, namespace, key string) (CacheEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[namespace][key]
	if !ok {
		return CacheEntry{}, ErrNotFound
	}
	// entries are immutable, but hand out a copy of the bytes anyway
	entry.Bytes = append([]byte(nil), entry.Bytes...)
	return entry, nil
}

func (m MemCache) Put(_ context.Context, namespace string, ce CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries, ok := m.db[namespace]
	if !ok {
		entries = make(map[string]CacheEntry)
		m.db[namespace] = entries
	}
	ce.Bytes = append([]byte(nil), ce.Bytes...)
	entries[ce.Key] = ce
	return nil
}

func (m MemCache) Purge(_ context.Context, namespace, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db[namespace], key)
	return nil
}

func (m MemCache) Clear(_ context.Context, namespace string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[namespace]; ok {
		m.db[namespace] = make(map[string]CacheEntry)
	}
	return nil
}

func (m MemCache) Keys(_ context.Context, namespace string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db[namespace]))
	for key := range m.db[namespace] {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Close() error {
	return nil
}
