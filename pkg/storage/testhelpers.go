package storage

import (
	"context"
	"os"
	"testing"
)

// NewTestHandle opens an isolated in-memory sqlite database with every
// migration applied. The handle is closed when the test finishes.
func NewTestHandle(t testing.TB) *Handle {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Type = "sqlite"
	cfg.SQLitePath = ":memory:"

	h, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	if _, err := Migrate(context.Background(), h); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return h
}

// SkipIfNoDatabase skips the test if TEST_POSTGRES_PRIMARY environment variable is not set.
func SkipIfNoDatabase(t *testing.T) string {
	t.Helper()

	dbURL := os.Getenv("TEST_POSTGRES_PRIMARY")
	if dbURL == "" {
		t.Skip("Skipping test: TEST_POSTGRES_PRIMARY environment variable not set (database not available)")
	}

	return dbURL
}
