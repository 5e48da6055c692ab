// Package storage provides file-based JSON storage keyed by path segments.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("not found")

// Storage maps key paths to JSON files under a base directory. The process
// owns the directory; writes within the process are serialized per key.
type Storage struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
}

// New creates a Storage rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*sync.Mutex),
	}
}

// BasePath returns the root directory of the store.
func (s *Storage) BasePath() string { return s.basePath }

func (s *Storage) pathToFile(key []string) string {
	parts := append([]string{s.basePath}, key...)
	return filepath.Join(parts...) + ".json"
}

func (s *Storage) pathToDir(key []string) string {
	parts := append([]string{s.basePath}, key...)
	return filepath.Join(parts...)
}

// Get retrieves a value. Returns ErrNotFound if the key is absent.
func (s *Storage) Get(ctx context.Context, key []string, v any) error {
	data, err := os.ReadFile(s.pathToFile(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// GetRaw retrieves the raw JSON bytes for a key.
func (s *Storage) GetRaw(ctx context.Context, key []string) (json.RawMessage, error) {
	data, err := os.ReadFile(s.pathToFile(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Put stores a value, creating parent directories. The write is atomic:
// temp file then rename. Files are 0600 since credentials share the tree.
func (s *Storage) Put(ctx context.Context, key []string, v any) error {
	filePath := s.pathToFile(key)

	unlock := s.lock(filePath)
	defer unlock()

	return writeAtomic(filePath, v)
}

// Update performs a read-modify-write under the per-key lock. Returns
// ErrNotFound if the key is absent.
func (s *Storage) Update(ctx context.Context, key []string, mutate func(raw json.RawMessage) (any, error)) error {
	filePath := s.pathToFile(key)

	unlock := s.lock(filePath)
	defer unlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	next, err := mutate(data)
	if err != nil {
		return err
	}

	return writeAtomic(filePath, next)
}

// Remove deletes a value. Removing an absent key is not an error.
func (s *Storage) Remove(ctx context.Context, key []string) error {
	filePath := s.pathToFile(key)

	unlock := s.lock(filePath)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// RemoveAll deletes every key under the prefix.
func (s *Storage) RemoveAll(ctx context.Context, prefix []string) error {
	return os.RemoveAll(s.pathToDir(prefix))
}

// List returns the names strictly under a prefix, sorted lexicographically.
// Directory entries (deeper prefixes) and stored keys are both included.
func (s *Storage) List(ctx context.Context, prefix []string) ([]string, error) {
	entries, err := os.ReadDir(s.pathToDir(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	items := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			items = append(items, name)
		} else if strings.HasSuffix(name, ".json") {
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(items)
	return items, nil
}

// Scan iterates the keys under a prefix in lexicographic order.
func (s *Storage) Scan(ctx context.Context, prefix []string, fn func(key string, data json.RawMessage) error) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}

	dirPath := s.pathToDir(prefix)
	for _, key := range keys {
		data, err := os.ReadFile(filepath.Join(dirPath, key+".json"))
		if err != nil {
			continue // removed concurrently
		}
		if err := fn(key, json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether a key is present.
func (s *Storage) Exists(ctx context.Context, key []string) bool {
	_, err := os.Stat(s.pathToFile(key))
	return err == nil
}

// lock acquires the per-key mutex and returns its release func.
func (s *Storage) lock(filePath string) func() {
	s.mu.Lock()
	l, ok := s.locks[filePath]
	if !ok {
		l = &sync.Mutex{}
		s.locks[filePath] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func writeAtomic(filePath string, v any) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
