//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupPostgresContainer starts a disposable PostgreSQL container and returns
// a migrated handle. Container and handle are released on test cleanup.
func SetupPostgresContainer(t *testing.T) *Handle {
	t.Helper()

	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("sqlwarden_test"),
		postgres.WithUsername("sqlwarden"),
		postgres.WithPassword("sqlwarden_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Type = "postgres"
	cfg.PostgresURL = connStr

	h, err := Open(ctx, cfg)
	require.NoError(t, err)

	_, err = Migrate(ctx, h)
	require.NoError(t, err, "Failed to run migrations")

	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Logf("Warning: Failed to close database: %v", err)
		}

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	return h
}
