package statehistory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ArtifactStore persists history artifacts as whole blobs addressed by
// slash-separated keys such as "analyses/cpu.ht". Reading a missing key
// returns an error matching fs.ErrNotExist.
type ArtifactStore interface {
	// Read returns the artifact stored under key.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores data under key, replacing any previous artifact.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes the artifact. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether an artifact is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

// FileArtifactStore keeps artifacts as files below a base directory, which
// for analyses is the project directory.
type FileArtifactStore struct {
	baseDir string
}

// NewFileArtifactStore creates the base directory if needed.
func NewFileArtifactStore(baseDir string) (*FileArtifactStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	return &FileArtifactStore{baseDir: filepath.Clean(absDir)}, nil
}

// Dir returns the absolute base directory.
func (f *FileArtifactStore) Dir() string {
	return f.baseDir
}

// safePath maps key below baseDir and rejects keys escaping it.
func (f *FileArtifactStore) safePath(key string) (string, error) {
	resolved := filepath.Clean(filepath.Join(f.baseDir, filepath.FromSlash(key)))
	if resolved != f.baseDir && !strings.HasPrefix(resolved, f.baseDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("artifact key %q escapes the store: %w", key, ErrInvalidArgument)
	}
	return resolved, nil
}

func (f *FileArtifactStore) Read(ctx context.Context, key string) ([]byte, error) {
	path, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Write goes through a temporary file and a rename, so readers never see a
// partially written artifact.
func (f *FileArtifactStore) Write(ctx context.Context, key string, data []byte) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (f *FileArtifactStore) Delete(ctx context.Context, key string) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileArtifactStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.baseDir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (f *FileArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := f.safePath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (f *FileArtifactStore) Close() error {
	return nil
}

// MemoryArtifactStore keeps artifacts in memory. Useful for tests.
type MemoryArtifactStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryArtifactStore creates an empty in-memory store.
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{data: make(map[string][]byte)}
}

func (m *MemoryArtifactStore) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("artifact %q: %w", key, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryArtifactStore) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryArtifactStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryArtifactStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.data[key]
	return ok, nil
}

func (m *MemoryArtifactStore) Close() error {
	return nil
}

// Size returns the number of stored artifacts.
func (m *MemoryArtifactStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

var (
	_ ArtifactStore = (*FileArtifactStore)(nil)
	_ ArtifactStore = (*MemoryArtifactStore)(nil)
)
