// Package containers starts the PostgreSQL and Redis servers used by integration tests.
//
// Docker must be running. Tests using it skip themselves in short mode.
package containers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresPort     = "5432"
	postgresUser     = "test"
	postgresPassword = "test"
	postgresDatabase = "notrition"

	redisPort = "6379"
)

// Container is a started test server.
type Container struct {
	testcontainers.Container
	Host string
	Port int
}

// Postgres is a PostgreSQL test server.
type Postgres struct {
	Container
}

// DSN returns the connection string of database name on the server.
func (c *Postgres) DSN(name string) string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=disable",
		postgresUser, postgresPassword, c.Host, c.Port, name)
}

// AdminDSN returns the connection string of the database created at startup.
func (c *Postgres) AdminDSN() string {
	return c.DSN(postgresDatabase)
}

// StartPostgres starts a PostgreSQL server.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{postgresPort + "/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDatabase,
		},
		// The server restarts once after running the init scripts.
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(postgresPort+"/tcp"),
		),
	}

	container, err := start(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, postgresPort)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("postgres: failed to get container port: %w", err)
	}
	if err := container.setPort(mappedPort.Port()); err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return &Postgres{Container: *container}, nil
}

// Redis is a Redis test server.
type Redis struct {
	Container
}

// URL returns the redis:// URL of the server.
func (c *Redis) URL() string {
	return fmt.Sprintf("redis://%s:%d/0", c.Host, c.Port)
}

// StartRedis starts a Redis server.
func StartRedis(ctx context.Context) (*Redis, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{redisPort + "/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := start(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, redisPort)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("redis: failed to get container port: %w", err)
	}
	if err := container.setPort(mappedPort.Port()); err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("redis: %w", err)
	}
	return &Redis{Container: *container}, nil
}

func start(ctx context.Context, req testcontainers.ContainerRequest) (*Container, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	return &Container{Container: container, Host: host}, nil
}

func (c *Container) setPort(port string) error {
	number, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("failed to parse port: %w", err)
	}
	c.Port = number
	return nil
}
