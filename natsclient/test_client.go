package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestServer is a NATS server running in a container, for integration tests.
type TestServer struct {
	container testcontainers.Container
	URL       string
}

// StartTestServer starts a NATS container and waits until it accepts clients.
func StartTestServer(ctx context.Context, version string) (*TestServer, error) {
	if version == "" {
		version = "2.11.7-alpine"
	}

	req := testcontainers.ContainerRequest{
		Image:        "nats:" + version,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &TestServer{
		container: container,
		URL:       fmt.Sprintf("nats://%s:%s", host, port.Port()),
	}, nil
}

// NewConnectedClient returns a client connected to the server.
func (s *TestServer) NewConnectedClient(ctx context.Context, opts ...ClientOption) (*Client, error) {
	client, err := NewClient(s.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Terminate stops the container.
func (s *TestServer) Terminate(ctx context.Context) error {
	return s.container.Terminate(ctx)
}
