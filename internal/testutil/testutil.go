// Package testutil starts the containers used by integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    dsn = tc.DSN
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContainer wraps a started container and the address to reach it.
type TestContainer struct {
	Container testcontainers.Container
	// DSN is a Postgres connection string or a MinIO host:port.
	DSN string
}

// MustStartPostgres starts a Postgres container. It exits the process on
// failure, which suits TestMain.
func MustStartPostgres() *TestContainer {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testagent",
			"POSTGRES_PASSWORD": "testagent",
			"POSTGRES_DB":       "testagent",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, host, port := mustStart(ctx, req, "5432")
	return &TestContainer{
		Container: container,
		DSN:       fmt.Sprintf("postgres://testagent:testagent@%s:%s/testagent?sslmode=disable", host, port),
	}
}

const (
	MinIOAccessKey = "testagent"
	MinIOSecretKey = "testagent-secret"
)

// MustStartMinIO starts a MinIO server. DSN holds its host:port.
func MustStartMinIO() *TestContainer {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     MinIOAccessKey,
			"MINIO_ROOT_PASSWORD": MinIOSecretKey,
		},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").
			WithStartupTimeout(60 * time.Second),
	}
	container, host, port := mustStart(ctx, req, "9000")
	return &TestContainer{Container: container, DSN: host + ":" + port}
}

func mustStart(ctx context.Context, req testcontainers.ContainerRequest, port string) (testcontainers.Container, string, string) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start %s: %v\n", req.Image, err)
		os.Exit(1)
	}
	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}
	return container, host, mapped.Port()
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
