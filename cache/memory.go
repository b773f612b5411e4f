package cache

import "sync"

// MemStore is an in-memory Store, used in tests and for throwaway setups.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]map[string][]byte
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string][]byte),
	}
}

func (m MemStore) Put(ns Namespace, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	name := ns.Name()
	if m.db[name] == nil {
		m.db[name] = make(map[string][]byte)
	}
	m.db[name][key] = bytes
	return nil
}

func (m MemStore) Get(ns Namespace, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	bytes, ok := m.db[ns.Name()][key]
	return bytes, ok, nil
}

func (m MemStore) Keys(ns Namespace) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.db[ns.Name()]))
	for key := range m.db[ns.Name()] {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m MemStore) Namespaces() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name, entries := range m.db {
		if len(entries) > 0 {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m MemStore) DeleteNamespace(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, name)
	return nil
}

// MemKV is an in-memory KV, used in tests.
type MemKV struct {
	mutex *sync.RWMutex
	db    map[string]string
}

func NewMemKV() MemKV {
	return MemKV{
		mutex: &sync.RWMutex{},
		db:    make(map[string]string),
	}
}

func (m MemKV) Get(key string) (string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	value, ok := m.db[key]
	return value, ok, nil
}

func (m MemKV) Set(key, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = value
	return nil
}
