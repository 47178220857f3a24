package sqlite

import (
	"path/filepath"
	"testing"
)

// NewSQLiteTest opens an in-memory store closed at test cleanup.
func NewSQLiteTest(t testing.TB, opts ...Option) *Store {
	t.Helper()
	st, err := NewInMemory(opts...)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewSQLiteFileTest opens a WAL-mode store in a temp directory.
func NewSQLiteFileTest(t testing.TB, opts ...Option) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "relay.db"), opts...)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
