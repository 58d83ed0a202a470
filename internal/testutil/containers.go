package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// requireDocker skips container-backed tests in -short mode and on machines
// without a usable container provider.
func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

// PostgresDSN starts a PostgreSQL container for the test and returns a pgx
// DSN for it.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	requireDocker(t)

	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://saga:saga@%s:%s/saga_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "saga",
			"POSTGRES_PASSWORD": "saga",
			"POSTGRES_DB":       "saga_test",
		}),
	)
	testcontainers.CleanupContainer(t, postgresC)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}

	endpoint, err := postgresC.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("postgres endpoint: %v", err)
	}
	return fmt.Sprintf("postgres://saga:saga@%s/saga_test?sslmode=disable", endpoint)
}

// MongoURI starts a MongoDB container for the test and returns its URI.
func MongoURI(t *testing.T) string {
	t.Helper()
	requireDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
	)
	testcontainers.CleanupContainer(t, mongoC)
	if err != nil {
		t.Fatalf("start mongo: %v", err)
	}

	endpoint, err := mongoC.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("mongo endpoint: %v", err)
	}
	return fmt.Sprintf("mongodb://%s", endpoint)
}

// RedisAddr starts an in-process miniredis server for the test.
func RedisAddr(t *testing.T) string {
	t.Helper()
	return miniredis.RunT(t).Addr()
}
