// Package settings persists user settings such as the inference server URL.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is a simple key/value settings store.
type Store interface {
	// Get returns the value for key and whether it was set.
	Get(key string) (string, bool)

	// Set stores value under key.
	Set(key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get implements Store.
func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set implements Store.
func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// JSONFileStore implements Store on top of a JSON file.
// Every mutation rewrites the whole file through a temp file and rename.
type JSONFileStore struct {
	path   string
	values map[string]string
	mu     sync.RWMutex
}

// fileData is the JSON structure for the settings file.
type fileData struct {
	Version   int               `json:"version"`
	UpdatedAt string            `json:"updated_at"`
	Values    map[string]string `json:"values"`
}

const fileVersion = 1

// NewJSONFileStore opens (or lazily creates) the settings file at path.
func NewJSONFileStore(path string) (*JSONFileStore, error) {
	s := &JSONFileStore{
		path:   path,
		values: make(map[string]string),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("settings: create directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("settings: load %s: %w", path, err)
		}
	}

	return s, nil
}

// Path returns the backing file path.
func (s *JSONFileStore) Path() string {
	return s.path
}

func (s *JSONFileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var stored fileData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string, len(stored.Values))
	for k, v := range stored.Values {
		s.values[k] = v
	}
	return nil
}

// save writes the store to disk. Caller holds s.mu.
func (s *JSONFileStore) save() error {
	stored := fileData{
		Version:   fileVersion,
		UpdatedAt: time.Now().Format(time.RFC3339),
		Values:    s.values,
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("settings: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("settings: rename temp file: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *JSONFileStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set implements Store.
func (s *JSONFileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.save()
}

// Delete implements Store.
func (s *JSONFileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.save()
}
