package transport

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/scheduler"
	"github.com/zde37/chordring/pkg"
)

const testAuthToken = "auth_token"

// freePort asks the kernel for an unused TCP port on loopback.
func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testNodeConfig(t *testing.T, id int64) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.NodeID = fmt.Sprintf("%x", id)
	cfg.IDBits = 8
	cfg.FingerTableSize = 8
	cfg.SuccessorListSize = 3
	cfg.RPCTimeout = 500 * time.Millisecond
	cfg.StabilizeInterval = 20 * time.Millisecond
	cfg.FixFingersInterval = 20 * time.Millisecond
	cfg.FixSuccessorInterval = 20 * time.Millisecond
	cfg.CheckPredecessorInterval = 20 * time.Millisecond
	return cfg
}

// testPeer is one node with its server, client and maintenance scheduler.
type testPeer struct {
	node   *chord.ChordNode
	server *GRPCServer
	client *GRPCClient
	sched  *scheduler.Scheduler
}

func (p *testPeer) addr() string { return p.node.Address().Address() }

func startPeer(t *testing.T, id int64, authToken string) *testPeer {
	t.Helper()

	logger := pkg.NewNop()
	cfg := testNodeConfig(t, id)

	node, err := chord.NewChordNode(cfg, logger)
	require.NoError(t, err)

	server, err := NewGRPCServer(node, cfg.Address(), authToken, logger)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	client, err := NewGRPCClient(logger, authToken, cfg.RPCTimeout)
	require.NoError(t, err)
	node.SetRemote(client)

	sched, err := scheduler.New(logger)
	require.NoError(t, err)

	p := &testPeer{node: node, server: server, client: client, sched: sched}
	t.Cleanup(p.stop)
	return p
}

func (p *testPeer) startMaintenance() {
	p.node.RegisterMaintenance(p.sched)
	p.sched.Start(context.Background())
}

func (p *testPeer) stop() {
	p.sched.Stop()
	_ = p.server.Stop()
	_ = p.client.Close()
}

func ringConverged(peers []*testPeer) bool {
	sorted := append([]*testPeer(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].node.ID().Cmp(sorted[j].node.ID()) < 0 })

	for i, p := range sorted {
		next := sorted[(i+1)%len(sorted)].node.Address()
		prev := sorted[(i-1+len(sorted))%len(sorted)].node.Address()
		if !p.node.Successor().Equals(next) || !p.node.Predecessor().Equals(prev) {
			return false
		}
	}
	return true
}

func TestNewGRPCServer(t *testing.T) {
	node, err := chord.NewChordNode(testNodeConfig(t, 1), pkg.NewNop())
	require.NoError(t, err)

	tests := []struct {
		name        string
		node        *chord.ChordNode
		logger      *pkg.Logger
		expectError bool
	}{
		{name: "valid server creation", node: node, logger: pkg.NewNop()},
		{name: "nil node", node: nil, logger: pkg.NewNop(), expectError: true},
		{name: "nil logger", node: node, logger: nil, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := NewGRPCServer(tt.node, "127.0.0.1:0", "", tt.logger)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, server)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, server)
		})
	}
}

func TestNewGRPCClient(t *testing.T) {
	client, err := NewGRPCClient(pkg.NewNop(), "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, client.timeout)
	assert.Empty(t, client.connections)

	_, err = NewGRPCClient(nil, "", time.Second)
	assert.Error(t, err)

	_, err = NewGRPCClient(pkg.NewNop(), "", 0)
	assert.Error(t, err)
}

func TestGRPCServer_StartStop(t *testing.T) {
	p := startPeer(t, 0x10, "")

	assert.Error(t, p.server.Start(), "second start is rejected")
	assert.Equal(t, p.addr(), p.server.Addr())

	require.NoError(t, p.server.Stop())
	require.NoError(t, p.server.Stop(), "stop is idempotent")
}

func TestGRPCClient_SingleNode(t *testing.T) {
	ctx := context.Background()
	p := startPeer(t, 0x42, "")
	client := p.client

	t.Run("get info", func(t *testing.T) {
		info, err := client.GetInfo(ctx, p.addr())
		require.NoError(t, err)
		assert.True(t, info.Equals(p.node.Address()))
	})

	t.Run("pointers absent before create", func(t *testing.T) {
		succ, err := client.GetSuccessor(ctx, p.addr())
		require.NoError(t, err)
		assert.Nil(t, succ)

		pred, err := client.GetPredecessor(ctx, p.addr())
		require.NoError(t, err)
		assert.Nil(t, pred)
	})

	t.Run("create over rpc", func(t *testing.T) {
		require.NoError(t, client.Create(ctx, p.addr()))

		succ, err := client.GetSuccessor(ctx, p.addr())
		require.NoError(t, err)
		assert.True(t, succ.Equals(p.node.Address()))
	})

	t.Run("find successor in singleton", func(t *testing.T) {
		for _, id := range []int64{0, 0x41, 0x42, 0x43, 0xff} {
			succ, err := client.FindSuccessor(ctx, p.addr(), big.NewInt(id))
			require.NoError(t, err)
			assert.True(t, succ.Equals(p.node.Address()), "id %x", id)

			succ, path, err := client.FindSuccessorWithPath(ctx, p.addr(), big.NewInt(id))
			require.NoError(t, err)
			assert.True(t, succ.Equals(p.node.Address()))
			require.Len(t, path, 1)
			assert.True(t, path[0].Equals(p.node.Address()))
		}
	})

	t.Run("notify", func(t *testing.T) {
		candidate := chord.NewNodeAddress(big.NewInt(0x10), "127.0.0.1", 1)
		require.NoError(t, client.Notify(ctx, p.addr(), candidate))

		pred, err := client.GetPredecessor(ctx, p.addr())
		require.NoError(t, err)
		assert.True(t, pred.Equals(candidate))
	})

	t.Run("successor list omits unknown slots", func(t *testing.T) {
		list, err := client.GetSuccessorList(ctx, p.addr())
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("id outside ring", func(t *testing.T) {
		_, err := client.FindSuccessor(ctx, p.addr(), big.NewInt(0x100))
		require.Error(t, err)
		assert.True(t, chord.IsCommunicationError(err))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("notify with absent node", func(t *testing.T) {
		err := client.Notify(ctx, p.addr(), nil)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("health", func(t *testing.T) {
		st, err := client.Health(ctx, p.addr())
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
	})
}

func TestGRPCClient_Auth(t *testing.T) {
	ctx := context.Background()
	p := startPeer(t, 0x42, testAuthToken)

	t.Run("matching token", func(t *testing.T) {
		_, err := p.client.GetInfo(ctx, p.addr())
		assert.NoError(t, err)
	})

	t.Run("missing token", func(t *testing.T) {
		anon, err := NewGRPCClient(pkg.NewNop(), "", time.Second)
		require.NoError(t, err)
		defer anon.Close()

		_, err = anon.GetInfo(ctx, p.addr())
		require.Error(t, err)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("wrong token", func(t *testing.T) {
		other, err := NewGRPCClient(pkg.NewNop(), "not-the-token", time.Second)
		require.NoError(t, err)
		defer other.Close()

		_, err = other.GetInfo(ctx, p.addr())
		require.Error(t, err)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("health needs no token", func(t *testing.T) {
		anon, err := NewGRPCClient(pkg.NewNop(), "", time.Second)
		require.NoError(t, err)
		defer anon.Close()

		st, err := anon.Health(ctx, p.addr())
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
	})
}

func TestGRPCClient_Unreachable(t *testing.T) {
	client, err := NewGRPCClient(pkg.NewNop(), "", 300*time.Millisecond)
	require.NoError(t, err)
	defer client.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))

	start := time.Now()
	_, err = client.GetInfo(context.Background(), addr)
	require.Error(t, err)
	assert.True(t, chord.IsCommunicationError(err))
	assert.Less(t, time.Since(start), 5*time.Second, "refused connections fail without waiting for the timeout")

	client.connMu.RLock()
	assert.NotContains(t, client.connections, addr, "failed connection is dropped from the pool")
	client.connMu.RUnlock()

	_, err = client.GetInfo(context.Background(), "")
	assert.True(t, chord.IsCommunicationError(err))
}

// stalledListener accepts TCP connections and never writes to them, so the
// HTTP/2 handshake never completes.
func stalledListener(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		_ = l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return l.Addr().String()
}

func TestGRPCClient_StalledPeer(t *testing.T) {
	const timeout = 300 * time.Millisecond

	client, err := NewGRPCClient(pkg.NewNop(), "", timeout)
	require.NoError(t, err)
	defer client.Close()

	addr := stalledListener(t)

	calls := []struct {
		name string
		call func() error
	}{
		{"GetInfo", func() error { _, err := client.GetInfo(context.Background(), addr); return err }},
		{"GetPredecessor", func() error { _, err := client.GetPredecessor(context.Background(), addr); return err }},
		{"Notify", func() error {
			return client.Notify(context.Background(), addr, chord.NewNodeAddress(big.NewInt(1), "127.0.0.1", 1))
		}},
	}
	for _, tt := range calls {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			err := tt.call()
			elapsed := time.Since(start)

			require.Error(t, err)
			assert.True(t, chord.IsCommunicationError(err))
			assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
			assert.GreaterOrEqual(t, elapsed, timeout-50*time.Millisecond)
			assert.Less(t, elapsed, timeout+time.Second, "the call is bounded by the client timeout")

			client.connMu.RLock()
			assert.NotContains(t, client.connections, addr, "timed out connection is dropped from the pool")
			client.connMu.RUnlock()
		})
	}
}

func TestCluster_JoinAndConverge(t *testing.T) {
	ctx := context.Background()
	a := startPeer(t, 0x10, testAuthToken)
	b := startPeer(t, 0x60, testAuthToken)
	c := startPeer(t, 0xb0, testAuthToken)
	peers := []*testPeer{a, b, c}

	require.NoError(t, a.node.Create(ctx))
	a.startMaintenance()

	require.NoError(t, b.node.Join(ctx, a.node.Address()))
	b.startMaintenance()

	// c is told to join over RPC, the way the control CLI does it.
	require.NoError(t, a.client.Join(ctx, c.addr(), a.node.Address()))
	c.startMaintenance()

	require.Eventually(t, func() bool { return ringConverged(peers) }, 10*time.Second, 20*time.Millisecond)

	// Any node resolves any id to the same owner.
	for _, id := range []int64{0x05, 0x10, 0x11, 0x60, 0x61, 0xb0, 0xff} {
		var owners []*chord.NodeAddress
		for _, p := range peers {
			succ, err := a.client.FindSuccessor(ctx, p.addr(), big.NewInt(id))
			require.NoError(t, err)
			owners = append(owners, succ)
		}
		assert.True(t, owners[0].Equals(owners[1]) && owners[1].Equals(owners[2]), "id %x: %v", id, owners)
	}
}

func TestCluster_SuccessorFailure(t *testing.T) {
	ctx := context.Background()
	a := startPeer(t, 0x10, "")
	b := startPeer(t, 0x60, "")
	c := startPeer(t, 0xb0, "")

	require.NoError(t, a.node.Create(ctx))
	require.NoError(t, b.node.Join(ctx, a.node.Address()))
	require.NoError(t, c.node.Join(ctx, a.node.Address()))
	for _, p := range []*testPeer{a, b, c} {
		p.startMaintenance()
	}

	require.Eventually(t, func() bool {
		list := a.node.SuccessorList()
		return ringConverged([]*testPeer{a, b, c}) && list[1].Equals(c.node.Address())
	}, 10*time.Second, 20*time.Millisecond)

	b.stop()

	require.Eventually(t, func() bool { return ringConverged([]*testPeer{a, c}) }, 10*time.Second, 20*time.Millisecond)
	assert.True(t, a.node.Successor().Equals(c.node.Address()))
}

func TestCluster_JoinUnreachableIntroducer(t *testing.T) {
	ctx := context.Background()
	p := startPeer(t, 0x10, "")

	ghost := chord.NewNodeAddress(big.NewInt(0x80), "127.0.0.1", freePort(t))
	err := p.node.Join(ctx, ghost)
	require.Error(t, err)
	assert.True(t, chord.IsCommunicationError(err))
	assert.Nil(t, p.node.Successor())

	// Over RPC the failure surfaces as Unavailable.
	err = p.client.Join(ctx, p.addr(), ghost)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
