// Package util provides shared database helpers for integration tests.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vespid-ai/vespid/pkg/store"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestClient migrates a fresh schema for this test and returns a store
// client on it. In CI an external postgres comes from CI_DATABASE_URL; local
// runs share one testcontainer per test binary. The schema is dropped on
// cleanup, so tests stay isolated while sharing one database.
func SetupTestClient(t *testing.T) *store.Client {
	t.Helper()
	ctx := context.Background()

	connStr := sharedConnString(t)
	schema := schemaName(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	client, err := store.NewClientFromDSN(ctx, connStr+sep+"search_path="+schema)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, err := client.Pool().Exec(context.Background(),
			"DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		if err != nil {
			t.Logf("failed to drop schema %s: %v", schema, err)
		}
		_ = client.Close()
	})
	return client
}

func sharedConnString(t *testing.T) string {
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return url
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}
		sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr, "failed to set up shared test container")
	return sharedConnStr
}

// schemaName builds a unique, postgres-safe schema name for the test.
func schemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		t.Fatalf("failed to generate schema suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}
