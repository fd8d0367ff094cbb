// Package dbtest starts a throwaway Postgres for integration tests.
package dbtest

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"pigeon/internal/database"
)

var (
	once      sync.Once
	container *postgres.PostgresContainer
	dsn       string
	startErr  error
)

// Postgres returns a migrated database shared by every test in the binary.
// The test is skipped when Docker is unavailable or SKIP_INTEGRATION is set.
func Postgres(t testing.TB) *sqlx.DB {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}
	if testing.Short() {
		t.Skip("integration test")
	}

	once.Do(func() { dsn, startErr = start() })
	if startErr != nil {
		t.Skipf("postgres unavailable: %v", startErr)
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Terminate stops the shared container. Call it from TestMain after m.Run.
func Terminate() {
	if container != nil {
		container.Terminate(context.Background())
	}
}

func start() (string, error) {
	if !isDockerAvailable() {
		return "", errors.New("docker daemon not reachable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pigeon"),
		postgres.WithUsername("pigeon"),
		postgres.WithPassword("pigeon"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return "", err
	}
	container = c

	conn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", err
	}

	// The migrator closes the handle it is given.
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return "", err
	}
	if err := database.RunMigrations(db, ""); err != nil {
		return "", err
	}
	return conn, nil
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}
