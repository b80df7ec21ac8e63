// Package testutil provides shared test helpers for state history packages.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempHistoryPath returns a temporary directory and a history file path
// inside it. The directory is removed when the test completes.
func TempHistoryPath(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "test.ht")
	return dir, path
}

// MustExist fails the test if path does not exist.
func MustExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

// MustNotExist fails the test if path exists.
func MustNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected %s to not exist", path)
	}
}

// Corrupt overwrites the first n bytes of path with 0xFF.
func Corrupt(t *testing.T, path string, n int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	junk := make([]byte, n)
	for i := range junk {
		junk[i] = 0xFF
	}
	if _, err := f.WriteAt(junk, 0); err != nil {
		t.Fatalf("corrupt %s: %v", path, err)
	}
}
