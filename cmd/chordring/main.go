package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zde37/chordring/internal/api"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/scheduler"
	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/pkg"
)

func main() {
	defaults := config.DefaultConfig()

	// Parse command-line flags
	host := flag.String("host", defaults.Host, "Host address to bind to")
	port := flag.Int("port", defaults.Port, "Port for Chord gRPC server")
	httpPort := flag.Int("http-port", defaults.HTTPPort, "Port for HTTP API server (0 disables it)")
	nodeID := flag.String("id", "", "Hex node identifier (derived from host:port when empty)")
	bootstrap := flag.String("bootstrap", "", "Comma-separated bootstrap node addresses (host:port) to join an existing ring")
	authToken := flag.String("auth-token", os.Getenv("CHORD_AUTH_TOKEN"), "Shared secret for node-to-node RPCs")
	idBits := flag.Int("bits", defaults.IDBits, "Identifier space size in bits")
	fingers := flag.Int("fingers", 0, "Finger table size (defaults to -bits)")
	fingerOffset := flag.Int("finger-offset", defaults.FingerOffset, "Exponent of the first finger")
	successors := flag.Int("successors", defaults.SuccessorListSize, "Successor list size")
	stabilize := flag.Duration("stabilize-interval", defaults.StabilizeInterval, "Stabilize interval")
	fixFingers := flag.Duration("fix-fingers-interval", defaults.FixFingersInterval, "Fix fingers interval")
	fixSuccessor := flag.Duration("fix-successor-interval", defaults.FixSuccessorInterval, "Fix successor interval")
	checkPred := flag.Duration("check-predecessor-interval", defaults.CheckPredecessorInterval, "Check predecessor interval")
	rpcTimeout := flag.Duration("rpc-timeout", defaults.RPCTimeout, "Timeout for every outbound RPC")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", defaults.LogFormat, "Log format (json, console)")
	logFile := flag.String("log-file", "", "Also write logs to this rotated file")
	flag.Parse()

	// Create configuration
	cfg := defaults
	cfg.Host = *host
	cfg.Port = *port
	cfg.HTTPPort = *httpPort
	cfg.NodeID = *nodeID
	cfg.BootstrapNodes = splitAddresses(*bootstrap)
	cfg.AuthToken = *authToken
	cfg.IDBits = *idBits
	cfg.FingerTableSize = *idBits - *fingerOffset
	if *fingers > 0 {
		cfg.FingerTableSize = *fingers
	}
	cfg.FingerOffset = *fingerOffset
	cfg.SuccessorListSize = *successors
	cfg.StabilizeInterval = *stabilize
	cfg.FixFingersInterval = *fixFingers
	cfg.FixSuccessorInterval = *fixSuccessor
	cfg.CheckPredecessorInterval = *checkPred
	cfg.RPCTimeout = *rpcTimeout
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.LogFile = *logFile

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
		loggerConfig.AsyncWrite = true
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Chord node exited with error")
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}

// components collects everything that needs shutting down.
type components struct {
	node       *chord.ChordNode
	grpcServer *transport.GRPCServer
	grpcClient *transport.GRPCClient
	sched      *scheduler.Scheduler
	httpServer *api.Server
}

func run(cfg *config.Config, logger *pkg.Logger) error {
	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("http_port", cfg.HTTPPort).
		Int("id_bits", cfg.IDBits).
		Msg("Starting chordring node")

	c := &components{}
	defer c.cleanup(logger)

	var err error

	// Create ChordNode
	c.node, err = chord.NewChordNode(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create Chord node: %w", err)
	}

	// Create gRPC server
	c.grpcServer, err = transport.NewGRPCServer(c.node, cfg.Address(), cfg.AuthToken, logger)
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}
	if err := c.grpcServer.Start(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	// Create and set gRPC client for inter-node communication
	c.grpcClient, err = transport.NewGRPCClient(logger, cfg.AuthToken, cfg.RPCTimeout)
	if err != nil {
		return fmt.Errorf("failed to create gRPC client: %w", err)
	}
	c.node.SetRemote(c.grpcClient)

	c.sched, err = scheduler.New(logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	// Create HTTP API server
	if cfg.HTTPPort > 0 {
		c.httpServer, err = api.NewServer(&api.Config{
			Host:     cfg.Host,
			HTTPPort: cfg.HTTPPort,
			Node:     c.node,
			Resolver: c.grpcClient,
			Tasks:    c.sched,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		if err := c.httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
		c.node.SetBroadcaster(c.httpServer.Hub())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create or join Chord ring
	if err := enterRing(ctx, c.node, c.grpcClient, cfg.BootstrapNodes, logger); err != nil {
		return err
	}

	c.node.RegisterMaintenance(c.sched)
	c.sched.Start(ctx)

	logger.Info().
		Str("node_id", c.node.Address().ShortID()).
		Msg("chordring node is ready")

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")
	return nil
}

// enterRing creates a new ring when no bootstrap node is given, otherwise it
// joins through the first bootstrap node that answers.
func enterRing(ctx context.Context, node *chord.ChordNode, client *transport.GRPCClient, bootstrap []string, logger *pkg.Logger) error {
	if len(bootstrap) == 0 {
		return node.Create(ctx)
	}

	var lastErr error
	for _, addr := range bootstrap {
		logger.Info().Str("bootstrap", addr).Msg("Joining existing Chord ring")

		// Get bootstrap node information via RPC
		introducer, err := client.GetInfo(ctx, addr)
		if err != nil {
			logger.Warn().Err(err).Str("bootstrap", addr).Msg("Bootstrap node unreachable")
			lastErr = err
			continue
		}

		if err := node.Join(ctx, introducer); err != nil {
			logger.Warn().Err(err).Str("bootstrap", addr).Msg("Failed to join through bootstrap node")
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to join ring through %d bootstrap node(s): %w", len(bootstrap), lastErr)
}

// cleanup performs graceful shutdown of all components
func (c *components) cleanup(logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if c.sched != nil {
		c.sched.Stop()
	}

	// Stop HTTP server
	if c.httpServer != nil {
		if err := c.httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	// Stop gRPC server
	if c.grpcServer != nil {
		if err := c.grpcServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping gRPC server")
		}
	}

	// Close gRPC client connections
	if c.grpcClient != nil {
		if err := c.grpcClient.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing gRPC client")
		}
	}

	logger.Info().Msg("chordring node shutdown complete")
}

func splitAddresses(s string) []string {
	var out []string
	for _, addr := range strings.Split(s, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
