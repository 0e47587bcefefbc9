// Package testinfra starts throwaway Postgres and Redis containers for package tests.
// Tests using it are skipped in -short mode or when Docker is not reachable.
package testinfra

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ramsey-B/fern/db"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/redis"
)

func Logger() ectologger.Logger {
	return logging.NewNop()
}

func start(t *testing.T, req testcontainers.ContainerRequest, port string) (string, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := func() (c testcontainers.Container, err error) {
		// the docker host lookup panics when no daemon is configured
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%v", r)
			}
		}()
		return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if err != nil {
		t.Skipf("Skipping container test, docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to read container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("failed to read container port: %v", err)
	}
	return host, mapped.Port()
}

// Postgres starts postgres:15-alpine and applies the service migrations.
func Postgres(t *testing.T) database.DB {
	t.Helper()

	host, port := start(t, testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "user",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "fern",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432")

	logger := Logger()
	conn, err := database.Connect(context.Background(), database.ConnectionConfig{
		Host:     host,
		Port:     port,
		User:     "user",
		Password: "password",
		Name:     "fern",
		SSLMode:  "disable",
	}, logger)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{Embedded: db.Postgres()})
	if err := migrations.Migrate("fern", conn); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return conn
}

// Redis starts redis:7-alpine.
func Redis(t *testing.T) *redis.Client {
	t.Helper()

	host, port := start(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379")

	var portNum int
	if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil {
		t.Fatalf("invalid redis port %q: %v", port, err)
	}

	client, err := redis.NewClient(redis.Config{Host: host, Port: portNum}, Logger())
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
