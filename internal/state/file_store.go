package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const stateFileName = "state.json"

// FileStore keeps the values in a single JSON document, rewritten atomically
// on every change.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
	closed bool
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	st := &FileStore{
		path:   filepath.Join(dir, stateFileName),
		values: make(map[string]string),
	}

	data, err := os.ReadFile(st.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	default:
		if err := json.Unmarshal(data, &st.values); err != nil {
			return nil, fmt.Errorf("failed to parse state file: %w", err)
		}
	}

	// Probe writability so NewStore can fall back early.
	if err := st.flushLocked(); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *FileStore) Path() string {
	return st.path
}

func (st *FileStore) Get(key string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	val, ok := st.values[key]
	return val, ok
}

func (st *FileStore) Set(key, value string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrClosed
	}
	st.values[key] = value
	return st.flushLocked()
}

func (st *FileStore) Delete(key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrClosed
	}
	if _, ok := st.values[key]; !ok {
		return nil
	}
	delete(st.values, key)
	return st.flushLocked()
}

func (st *FileStore) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}

func (st *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(st.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return WriteFileAtomic(st.path, data)
}

// WriteFileAtomic replaces path with data through a temp file and rename so
// readers never observe a partial document.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// DefaultDir returns the per-user directory for client-local state.
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(homeDir, "AppData", "Local", "cardboardhrv"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "cardboardhrv"), nil
	default:
		if xdgState := os.Getenv("XDG_STATE_HOME"); xdgState != "" {
			return filepath.Join(xdgState, "cardboardhrv"), nil
		}
		return filepath.Join(homeDir, ".local", "state", "cardboardhrv"), nil
	}
}
