package state

import "sync"

type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (st *MemoryStore) Get(key string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	val, ok := st.values[key]
	return val, ok
}

func (st *MemoryStore) Set(key, value string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrClosed
	}
	st.values[key] = value
	return nil
}

func (st *MemoryStore) Delete(key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrClosed
	}
	delete(st.values, key)
	return nil
}

func (st *MemoryStore) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}
