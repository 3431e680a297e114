package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/froz-husain/sketchsync/internal/store"
)

// Backend provides named databases to the replica server. Databases are
// created on demand and shared between requests.
type Backend interface {
	// Open returns the store for name, creating the database if needed
	Open(ctx context.Context, name string) (store.Store, error)

	// List returns the names of all existing databases
	List(ctx context.Context) ([]string, error)

	// Close releases every open database
	Close() error
}

// ValidDatabaseName restricts database names to what both backends and
// URL paths handle safely.
func ValidDatabaseName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// SQLiteBackend keeps one SQLite file per database under a directory.
// It backs tests and small single-node installs.
type SQLiteBackend struct {
	dir string

	mu   sync.Mutex
	open map[string]*store.SQLiteStore
}

// NewSQLiteBackend creates a directory-backed backend
func NewSQLiteBackend(dir string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backend dir %s: %w", dir, err)
	}
	return &SQLiteBackend{dir: dir, open: map[string]*store.SQLiteStore{}}, nil
}

// Open returns the store for name, creating the database file if needed
func (b *SQLiteBackend) Open(ctx context.Context, name string) (store.Store, error) {
	if !ValidDatabaseName(name) {
		return nil, fmt.Errorf("invalid database name %q", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.open[name]; ok {
		return s, nil
	}

	s, err := store.OpenSQLite(filepath.Join(b.dir, name+".db"), name)
	if err != nil {
		return nil, err
	}
	b.open[name] = s
	return s, nil
}

// List returns the names of all databases in the directory
func (b *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".db"); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Close releases every open database
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for name, s := range b.open {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.open, name)
	}
	return firstErr
}
