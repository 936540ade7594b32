package transport

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	protocodec "google.golang.org/grpc/encoding/proto"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

// Compile-time check to ensure GRPCClient implements chord.RemoteClient
var _ chord.RemoteClient = (*GRPCClient)(nil)

// GRPCClient manages connections to remote Chord nodes.
// Every failure it returns is a *chord.CommunicationError.
type GRPCClient struct {
	logger    *pkg.Logger
	authToken string // Authentication token for node-to-node communication

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Upper bound for a single RPC
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client.
func NewGRPCClient(logger *pkg.Logger, authToken string, timeout time.Duration) (*GRPCClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}

	return &GRPCClient{
		logger:      logger.WithFields(pkg.Fields{"component": "grpc_client"}),
		authToken:   authToken,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}, nil
}

// getConnection returns a connection to the given address, creating one if needed.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	// Need to create new connection
	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithUnaryInterceptor(clientMetadataInterceptor(c.authToken)),
	}

	newConn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, xerrors.Errorf("failed to create client for %s: %w", address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

// invoke performs one unary call bounded by the client timeout.
func (c *GRPCClient) invoke(ctx context.Context, address, method string, req, reply wireMessage) error {
	if address == "" {
		return chord.NewCommunicationError(address, shortMethod(method), xerrors.New("empty address"))
	}

	conn, err := c.getConnection(address)
	if err != nil {
		return chord.NewCommunicationError(address, shortMethod(method), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := conn.Invoke(ctx, method, req, reply); err != nil {
		if code := status.Code(err); code == codes.Unavailable || code == codes.DeadlineExceeded {
			c.Forget(address)
		}
		return chord.NewCommunicationError(address, shortMethod(method), xerrors.Errorf("%s RPC failed: %w", shortMethod(method), err))
	}
	return nil
}

// GetInfo calls the GetInfo RPC on a remote node.
func (c *GRPCClient) GetInfo(ctx context.Context, address string) (*chord.NodeAddress, error) {
	return c.nodeCall(ctx, address, MethodGetInfo)
}

// GetSuccessor calls the GetSuccessor RPC on a remote node.
func (c *GRPCClient) GetSuccessor(ctx context.Context, address string) (*chord.NodeAddress, error) {
	return c.nodeCall(ctx, address, MethodGetSuccessor)
}

// GetPredecessor calls the GetPredecessor RPC on a remote node.
// A nil address with a nil error means the remote has no predecessor.
func (c *GRPCClient) GetPredecessor(ctx context.Context, address string) (*chord.NodeAddress, error) {
	return c.nodeCall(ctx, address, MethodGetPredecessor)
}

func (c *GRPCClient) nodeCall(ctx context.Context, address, method string) (*chord.NodeAddress, error) {
	reply := &NodeReply{}
	if err := c.invoke(ctx, address, method, &Empty{}, reply); err != nil {
		return nil, err
	}
	return wireToNode(reply.Node), nil
}

// GetSuccessorList calls the GetSuccessorList RPC on a remote node.
func (c *GRPCClient) GetSuccessorList(ctx context.Context, address string) ([]*chord.NodeAddress, error) {
	reply := &NodeListReply{}
	if err := c.invoke(ctx, address, MethodGetSuccessorList, &Empty{}, reply); err != nil {
		return nil, err
	}
	return wireToNodes(reply.Nodes), nil
}

// FindSuccessor calls the FindSuccessor RPC on a remote node.
func (c *GRPCClient) FindSuccessor(ctx context.Context, address string, id *big.Int) (*chord.NodeAddress, error) {
	if id == nil {
		return nil, chord.ErrInvalidID
	}

	reply := &NodeReply{}
	if err := c.invoke(ctx, address, MethodFindSuccessor, &FindSuccessorRequest{Id: id.Bytes()}, reply); err != nil {
		return nil, err
	}
	return wireToNode(reply.Node), nil
}

// FindSuccessorWithPath calls the FindSuccessorWithPath RPC on a remote node.
// The returned path starts with the remote node itself.
func (c *GRPCClient) FindSuccessorWithPath(ctx context.Context, address string, id *big.Int) (*chord.NodeAddress, []*chord.NodeAddress, error) {
	if id == nil {
		return nil, nil, chord.ErrInvalidID
	}

	reply := &FindSuccessorWithPathReply{}
	if err := c.invoke(ctx, address, MethodFindSuccessorWithPath, &FindSuccessorRequest{Id: id.Bytes()}, reply); err != nil {
		return nil, nil, err
	}
	return wireToNode(reply.Successor), wireToNodes(reply.Path), nil
}

// Notify calls the Notify RPC on a remote node.
func (c *GRPCClient) Notify(ctx context.Context, address string, node *chord.NodeAddress) error {
	return c.invoke(ctx, address, MethodNotify, &NotifyRequest{Node: nodeToWire(node)}, &Empty{})
}

// Create asks the node at address to start a new ring.
func (c *GRPCClient) Create(ctx context.Context, address string) error {
	return c.invoke(ctx, address, MethodCreate, &Empty{}, &Empty{})
}

// Join asks the node at address to join the ring through introducer.
func (c *GRPCClient) Join(ctx context.Context, address string, introducer *chord.NodeAddress) error {
	return c.invoke(ctx, address, MethodJoin, &JoinRequest{Introducer: nodeToWire(introducer)}, &Empty{})
}

// Health runs the standard gRPC health check against the node at address.
func (c *GRPCClient) Health(ctx context.Context, address string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := c.getConnection(address)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, chord.NewCommunicationError(address, "Health", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// The health service speaks plain protobuf, not the ring codec.
	resp, err := healthpb.NewHealthClient(conn).Check(ctx,
		&healthpb.HealthCheckRequest{Service: ServiceName},
		grpc.CallContentSubtype(protocodec.Name),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, chord.NewCommunicationError(address, "Health", err)
	}
	return resp.GetStatus(), nil
}

// Forget closes and drops the pooled connection to address, if any. The next
// call to address dials afresh.
func (c *GRPCClient) Forget(address string) {
	c.connMu.Lock()
	conn, ok := c.connections[address]
	delete(c.connections, address)
	c.connMu.Unlock()

	if ok {
		_ = conn.Close()
		c.logger.Debug().Str("address", address).Msg("Dropped gRPC connection")
	}
}

// Close closes all pooled connections.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	var firstErr error
	for addr, conn := range c.connections {
		if err := conn.Close(); err != nil {
			c.logger.Warn().Err(err).Str("address", addr).Msg("Failed to close connection")
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(c.connections, addr)
	}
	return firstErr
}

func shortMethod(full string) string {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '/' {
			return full[i+1:]
		}
	}
	return full
}
