// Package connection manages the gRPC endpoints behind the ledger and
// oracle clients: lazy dialing, TLS options, bearer-token metadata, and
// rotation to the next configured endpoint after a failure.
package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Endpoint is one reachable gRPC server.
type Endpoint struct {
	Address  string `toml:"grpc_server_address" mapstructure:"grpc_server_address"`
	UseTLS   bool   `toml:"grpc_tls" mapstructure:"grpc_tls"`
	APIToken string `toml:"grpc_api_token" mapstructure:"grpc_api_token"`
}

// ErrNoEndpoints means the manager was built without any endpoint.
var ErrNoEndpoints = errors.New("no grpc endpoints configured")

// Manager hands out a live client connection and rotates endpoints when the
// caller reports a failure.
type Manager struct {
	logger    *zap.Logger
	endpoints []Endpoint

	mu     sync.Mutex
	active int
	conn   *grpc.ClientConn
}

// NewManager validates the endpoint list and returns a manager. Connections
// are dialed lazily on first use.
func NewManager(logger *zap.Logger, endpoints []Endpoint) (*Manager, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return &Manager{logger: logger, endpoints: endpoints}, nil
}

// Get returns a connection to the active endpoint, dialing if necessary.
func (m *Manager) Get() (*grpc.ClientConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	endpoint := m.endpoints[m.active]
	conn, err := dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint.Address, err)
	}
	m.conn = conn
	return conn, nil
}

// Rotate closes the active connection and advances to the next endpoint.
// Call after a transport-level failure; application-level errors should not
// rotate.
func (m *Manager) Rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.active = (m.active + 1) % len(m.endpoints)
	m.logger.Info("rotated grpc endpoint",
		zap.String("address", m.endpoints[m.active].Address),
	)
}

// Close releases the active connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func dial(endpoint Endpoint) (*grpc.ClientConn, error) {
	var transport grpc.DialOption
	if endpoint.UseTLS {
		transport = grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	} else {
		transport = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	opts := []grpc.DialOption{transport}
	if endpoint.APIToken != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(tokenInterceptor(endpoint.APIToken)))
	}
	return grpc.NewClient(endpoint.Address, opts...)
}

func tokenInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
