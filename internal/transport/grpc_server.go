package transport

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

// Compile-time check to ensure GRPCServer implements ChordServiceServer
var _ ChordServiceServer = (*GRPCServer)(nil)

// GRPCServer wraps a ChordNode and serves the ring protocol over gRPC.
type GRPCServer struct {
	node      *chord.ChordNode
	server    *grpc.Server
	health    *health.Server
	logger    *pkg.Logger
	authToken string // Authentication token for node-to-node communication

	// Server address
	address  string
	listener net.Listener
	mu       sync.Mutex
}

// NewGRPCServer creates a new gRPC server for the given ChordNode.
func NewGRPCServer(node *chord.ChordNode, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &GRPCServer{
		node:      node,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "grpc_server"}),
	}

	return s, nil
}

// Start binds the listener and starts serving in the background.
func (s *GRPCServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("grpc server already started")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
		grpc.ChainUnaryInterceptor(
			RequestLogInterceptor(s.logger),
			AuthInterceptor(s.authToken),
		),
	}

	s.server = grpc.NewServer(opts...)
	RegisterChordServiceServer(s.server, s)

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.server, s.health)

	reflection.Register(s.server) // self-documentation for the server

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	server := s.server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *GRPCServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	s.logger.Info().Msg("Stopping gRPC server")

	s.health.Shutdown()
	s.server.GracefulStop()
	s.server = nil
	s.listener = nil

	return nil
}

// GetInfo implements the GetInfo RPC; it doubles as the liveness probe.
func (s *GRPCServer) GetInfo(ctx context.Context, req *Empty) (*NodeReply, error) {
	return &NodeReply{Node: nodeToWire(s.node.Address())}, nil
}

// GetSuccessor implements the GetSuccessor RPC.
func (s *GRPCServer) GetSuccessor(ctx context.Context, req *Empty) (*NodeReply, error) {
	return &NodeReply{Node: nodeToWire(s.node.Successor())}, nil
}

// GetPredecessor implements the GetPredecessor RPC.
func (s *GRPCServer) GetPredecessor(ctx context.Context, req *Empty) (*NodeReply, error) {
	return &NodeReply{Node: nodeToWire(s.node.Predecessor())}, nil
}

// GetSuccessorList implements the GetSuccessorList RPC. Unknown slots are left out.
func (s *GRPCServer) GetSuccessorList(ctx context.Context, req *Empty) (*NodeListReply, error) {
	return &NodeListReply{Nodes: nodesToWire(s.node.SuccessorList())}, nil
}

// Create implements the Create RPC.
func (s *GRPCServer) Create(ctx context.Context, req *Empty) (*Empty, error) {
	if err := s.node.Create(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "create failed: %v", err)
	}
	return &Empty{}, nil
}

// Join implements the Join RPC.
func (s *GRPCServer) Join(ctx context.Context, req *JoinRequest) (*Empty, error) {
	introducer := wireToNode(req.Introducer)
	if introducer == nil {
		return nil, status.Error(codes.InvalidArgument, "introducer cannot be empty")
	}

	if err := s.node.Join(ctx, introducer); err != nil {
		code := codes.FailedPrecondition
		if chord.IsCommunicationError(err) {
			code = codes.Unavailable
		}
		return nil, status.Errorf(code, "join failed: %v", err)
	}
	return &Empty{}, nil
}

// FindSuccessor implements the FindSuccessor RPC.
func (s *GRPCServer) FindSuccessor(ctx context.Context, req *FindSuccessorRequest) (*NodeReply, error) {
	id, err := s.parseID(req.Id)
	if err != nil {
		return nil, err
	}

	successor, err := s.node.FindSuccessor(ctx, id)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "find successor failed: %v", err)
	}

	return &NodeReply{Node: nodeToWire(successor)}, nil
}

// FindSuccessorWithPath implements the FindSuccessorWithPath RPC.
// This is used for recursive path tracking between nodes.
func (s *GRPCServer) FindSuccessorWithPath(ctx context.Context, req *FindSuccessorRequest) (*FindSuccessorWithPathReply, error) {
	id, err := s.parseID(req.Id)
	if err != nil {
		return nil, err
	}

	successor, path, err := s.node.FindSuccessorWithPath(ctx, id)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "find successor with path failed: %v", err)
	}

	return &FindSuccessorWithPathReply{
		Successor: nodeToWire(successor),
		Path:      nodesToWire(path),
	}, nil
}

// Notify implements the Notify RPC.
func (s *GRPCServer) Notify(ctx context.Context, req *NotifyRequest) (*Empty, error) {
	node := wireToNode(req.Node)
	if node == nil {
		return nil, status.Error(codes.InvalidArgument, "node cannot be empty")
	}

	s.node.Notify(node)
	return &Empty{}, nil
}

// parseID decodes a big-endian identifier and checks it fits the ring.
// An empty id is identifier zero.
func (s *GRPCServer) parseID(raw []byte) (*big.Int, error) {
	id := new(big.Int).SetBytes(raw)
	if !s.node.Space().IsValidID(id) {
		return nil, status.Errorf(codes.InvalidArgument, "id %s outside the %d-bit ring", id.Text(16), s.node.Space().Bits())
	}
	return id, nil
}
