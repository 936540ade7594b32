package chord

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/pkg"
)

const testBits = 8

var errConnRefused = errors.New("connection refused")

// memNetwork routes RemoteClient calls to in-process nodes.
// Nodes marked down fail every call with a CommunicationError. Stalled nodes
// accept calls but never answer; those calls fail once the call timeout expires.
type memNetwork struct {
	mu      sync.RWMutex
	nodes   map[string]*ChordNode
	down    map[string]bool
	stalled map[string]bool
	calls   map[string]int

	timeout time.Duration
}

var _ RemoteClient = (*memNetwork)(nil)

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes:   make(map[string]*ChordNode),
		down:    make(map[string]bool),
		stalled: make(map[string]bool),
		calls:   make(map[string]int),
		timeout: 50 * time.Millisecond,
	}
}

func (m *memNetwork) add(n *ChordNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.Address().Address()] = n
	n.SetRemote(m)
}

func (m *memNetwork) kill(n *ChordNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[n.Address().Address()] = true
}

func (m *memNetwork) revive(n *ChordNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.down, n.Address().Address())
	delete(m.stalled, n.Address().Address())
}

func (m *memNetwork) stall(n *ChordNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled[n.Address().Address()] = true
}

func (m *memNetwork) callCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

func (m *memNetwork) route(ctx context.Context, address, method string) (*ChordNode, error) {
	m.mu.Lock()
	m.calls[method]++
	down, stalled := m.down[address], m.stalled[address]
	n, ok := m.nodes[address]
	timeout := m.timeout
	m.mu.Unlock()

	if stalled {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		<-ctx.Done()
		return nil, NewCommunicationError(address, method, ctx.Err())
	}
	if down {
		return nil, NewCommunicationError(address, method, errConnRefused)
	}
	if !ok {
		return nil, NewCommunicationError(address, method, errors.New("no route to host"))
	}
	return n, nil
}

func (m *memNetwork) GetInfo(ctx context.Context, address string) (*NodeAddress, error) {
	n, err := m.route(ctx, address, "GetInfo")
	if err != nil {
		return nil, err
	}
	return n.Address(), nil
}

func (m *memNetwork) GetSuccessor(ctx context.Context, address string) (*NodeAddress, error) {
	n, err := m.route(ctx, address, "GetSuccessor")
	if err != nil {
		return nil, err
	}
	return n.Successor(), nil
}

func (m *memNetwork) GetPredecessor(ctx context.Context, address string) (*NodeAddress, error) {
	n, err := m.route(ctx, address, "GetPredecessor")
	if err != nil {
		return nil, err
	}
	return n.Predecessor(), nil
}

func (m *memNetwork) FindSuccessor(ctx context.Context, address string, id *big.Int) (*NodeAddress, error) {
	n, err := m.route(ctx, address, "FindSuccessor")
	if err != nil {
		return nil, err
	}
	return n.FindSuccessor(ctx, id)
}

func (m *memNetwork) FindSuccessorWithPath(ctx context.Context, address string, id *big.Int) (*NodeAddress, []*NodeAddress, error) {
	n, err := m.route(ctx, address, "FindSuccessorWithPath")
	if err != nil {
		return nil, nil, err
	}
	return n.FindSuccessorWithPath(ctx, id)
}

func (m *memNetwork) Notify(ctx context.Context, address string, node *NodeAddress) error {
	n, err := m.route(ctx, address, "Notify")
	if err != nil {
		return err
	}
	n.Notify(node)
	return nil
}

// testConfig returns a small-ring configuration with an explicit node id.
func testConfig(id int64, port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.NodeID = fmt.Sprintf("%x", id)
	cfg.IDBits = testBits
	cfg.FingerTableSize = testBits
	cfg.SuccessorListSize = 3
	cfg.StabilizeInterval = 10 * time.Millisecond
	cfg.FixFingersInterval = 10 * time.Millisecond
	cfg.FixSuccessorInterval = 10 * time.Millisecond
	cfg.CheckPredecessorInterval = 10 * time.Millisecond
	return cfg
}

func newTestNode(t *testing.T, id int64, port int) *ChordNode {
	t.Helper()

	node, err := NewChordNode(testConfig(id, port), pkg.NewNop())
	require.NoError(t, err)
	return node
}

// newTestNodes creates one node per id on the network, ports assigned in order.
func newTestNodes(t *testing.T, net *memNetwork, ids ...int64) []*ChordNode {
	t.Helper()

	nodes := make([]*ChordNode, len(ids))
	for i, id := range ids {
		nodes[i] = newTestNode(t, id, 9000+i)
		net.add(nodes[i])
	}
	return nodes
}

// tick runs one round of every maintenance protocol on each node.
func tick(ctx context.Context, nodes ...*ChordNode) {
	for _, n := range nodes {
		_ = n.CheckPredecessor(ctx)
		_ = n.Stabilize(ctx)
		_ = n.FixSuccessor(ctx)
		_ = n.FixFingers(ctx)
	}
}

// sortedByID returns the nodes in ring order.
func sortedByID(nodes []*ChordNode) []*ChordNode {
	out := append([]*ChordNode(nil), nodes...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Cmp(out[j].ID()) < 0 })
	return out
}

// ringConsistent reports whether every node points at its true neighbours.
func ringConsistent(nodes []*ChordNode) bool {
	ring := sortedByID(nodes)
	for i, n := range ring {
		next := ring[(i+1)%len(ring)]
		prev := ring[(i-1+len(ring))%len(ring)]
		if !n.Successor().Equals(next.Address()) || !n.Predecessor().Equals(prev.Address()) {
			return false
		}
	}
	return true
}

// converge ticks the nodes until the ring is consistent or maxRounds is hit.
func converge(t *testing.T, nodes []*ChordNode, maxRounds int) int {
	t.Helper()

	ctx := context.Background()
	for round := 1; round <= maxRounds; round++ {
		tick(ctx, nodes...)
		if ringConsistent(nodes) {
			return round
		}
	}
	require.FailNow(t, "ring did not converge", "after %d rounds", maxRounds)
	return maxRounds
}

// trueSuccessor is the first node clockwise from id, inclusive.
func trueSuccessor(nodes []*ChordNode, id *big.Int) *NodeAddress {
	ring := sortedByID(nodes)
	for _, n := range ring {
		if n.ID().Cmp(id) >= 0 {
			return n.Address()
		}
	}
	return ring[0].Address()
}

// wireRing installs the exact routing state of a converged ring.
func wireRing(nodes []*ChordNode) {
	ring := sortedByID(nodes)
	for i, n := range ring {
		n.ptrMu.Lock()
		n.successor = ring[(i+1)%len(ring)].Address()
		n.predecessor = ring[(i-1+len(ring))%len(ring)].Address()
		n.ptrMu.Unlock()

		n.tableMu.Lock()
		for f := range n.fingers {
			n.fingers[f] = trueSuccessor(nodes, n.fingerStart(f))
		}
		for s := range n.successorList {
			n.successorList[s] = ring[(i+1+s)%len(ring)].Address()
		}
		n.tableMu.Unlock()
	}
}

// recordingBroadcaster collects ring events.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []RingUpdateEvent
}

func (b *recordingBroadcaster) BroadcastRingUpdate(update any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev, ok := update.(RingUpdateEvent); ok {
		b.events = append(b.events, ev)
	}
	return nil
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}
