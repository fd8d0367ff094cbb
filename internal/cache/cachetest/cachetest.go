// Package cachetest starts a throwaway Redis for integration tests.
package cachetest

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once      sync.Once
	container testcontainers.Container
	addr      string
	startErr  error
)

// Redis returns a client for a Redis shared by every test in the binary.
// Tests must use their own keys. REDIS_TEST_ADDR points the tests at an
// existing server instead of a container.
func Redis(t testing.TB) *redis.Client {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}
	if testing.Short() {
		t.Skip("integration test")
	}

	once.Do(func() { addr, startErr = start() })
	if startErr != nil {
		t.Skipf("redis unavailable: %v", startErr)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

// Terminate stops the shared container. Call it from TestMain after m.Run.
func Terminate() {
	if container != nil {
		container.Terminate(context.Background())
	}
}

func start() (string, error) {
	if a := os.Getenv("REDIS_TEST_ADDR"); a != "" {
		return a, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return "", err
	}
	_, err = provider.DaemonHost(ctx)
	provider.Close()
	if err != nil {
		return "", errors.New("docker daemon not reachable")
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return "", err
	}
	container = c

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		return "", err
	}
	return endpoint, nil
}
