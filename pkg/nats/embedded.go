package nats

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer wraps an in-process NATS server with JetStream
// enabled. Useful for tests and demos that should not depend on an
// external broker.
type EmbeddedServer struct {
	server   *server.Server
	url      string
	storeDir string
}

// StartEmbeddedServer starts an embedded NATS server on a random port
// with JetStream backed by a fresh temporary store directory.
func StartEmbeddedServer() (*EmbeddedServer, error) {
	dir, err := os.MkdirTemp("", "eventfold-nats-")
	if err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random port
		JetStream: true,
		StoreDir:  dir,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("embedded server not ready for connections")
	}

	return &EmbeddedServer{
		server:   s,
		url:      s.ClientURL(),
		storeDir: dir,
	}, nil
}

// URL returns the client connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the embedded server and removes its store directory.
func (e *EmbeddedServer) Shutdown() {
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
	if e.storeDir != "" {
		os.RemoveAll(e.storeDir)
	}
}

// TestConfig returns a Config pointing at the given server with short
// retention, suitable for tests against an embedded server.
func TestConfig(serverURL string) Config {
	return Config{
		URL:            serverURL,
		Stream:         "EVENTFOLD_TEST",
		SnapshotBucket: "EVENTFOLD_TEST_SNAPSHOTS",
		MaxAge:         time.Minute,
	}
}
