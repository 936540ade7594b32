package chord

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

// Maintenance task names, as registered with the scheduler.
const (
	TaskCheckPredecessor = "check_predecessor"
	TaskStabilize        = "stabilize"
	TaskFixFingers       = "fix_fingers"
	TaskFixSuccessor     = "fix_successor"
)

// Registrar accepts periodic maintenance tasks.
type Registrar interface {
	Register(name string, interval time.Duration, fn func(ctx context.Context) error)
}

// ChordNode represents a node in the Chord ring.
type ChordNode struct {
	// Node identity, fixed for the lifetime of the process
	self  *NodeAddress
	space hash.Space

	config *config.Config
	logger *pkg.Logger

	// Remote client for RPC calls to other nodes
	remote   RemoteClient
	remoteMu sync.RWMutex

	broadcaster RingUpdateBroadcaster
	broadcastMu sync.RWMutex

	// Pointer state
	successor   *NodeAddress
	predecessor *NodeAddress
	ptrMu       sync.RWMutex

	// Finger table and successor list; nil slots are unknown.
	// finger[i] tracks the successor of (n + 2^(offset+i)) mod 2^bits.
	fingers       []*NodeAddress
	successorList []*NodeAddress
	nextFinger    int
	nextSuccessor int
	tableMu       sync.RWMutex

	// One lock per protocol keeps ticks of the same protocol from interleaving.
	stabilizeMu    sync.Mutex
	fixFingersMu   sync.Mutex
	fixSuccessorMu sync.Mutex
	checkPredMu    sync.Mutex
}

// NewChordNode creates a new Chord node with the given configuration.
// The node is not part of any ring until Create or Join is called.
func NewChordNode(cfg *config.Config, logger *pkg.Logger) (*ChordNode, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	space, err := cfg.Space()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var nodeID *big.Int
	if cfg.NodeID != "" {
		if nodeID, err = space.ParseID(cfg.NodeID); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	} else {
		nodeID = space.HashAddress(cfg.Host, cfg.Port)
	}

	self := NewNodeAddress(nodeID, cfg.Host, cfg.Port)

	node := &ChordNode{
		self:          self,
		space:         space,
		config:        cfg,
		logger:        logger.WithFields(pkg.Fields{"node_id": self.ShortID()}),
		fingers:       make([]*NodeAddress, cfg.FingerTableSize),
		successorList: make([]*NodeAddress, cfg.SuccessorListSize),
		nextFinger:    -1,
		nextSuccessor: -1,
	}

	node.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("id_bits", cfg.IDBits).
		Int("fingers", cfg.FingerTableSize).
		Int("successors", cfg.SuccessorListSize).
		Msg("ChordNode created")

	return node, nil
}

// ID returns the node's identifier.
func (n *ChordNode) ID() *big.Int {
	return new(big.Int).Set(n.self.ID)
}

// Address returns the node's descriptor.
func (n *ChordNode) Address() *NodeAddress {
	return n.self.Copy()
}

// Space returns the identifier space the node lives in.
func (n *ChordNode) Space() hash.Space {
	return n.space
}

// SetRemote sets the remote client for making RPC calls to other nodes.
func (n *ChordNode) SetRemote(remote RemoteClient) {
	n.remoteMu.Lock()
	defer n.remoteMu.Unlock()
	n.remote = remote
}

func (n *ChordNode) getRemote() RemoteClient {
	n.remoteMu.RLock()
	defer n.remoteMu.RUnlock()
	return n.remote
}

// Successor returns a copy of the current successor, nil if unset.
func (n *ChordNode) Successor() *NodeAddress {
	n.ptrMu.RLock()
	defer n.ptrMu.RUnlock()
	return n.successor.Copy()
}

// Predecessor returns a copy of the current predecessor, nil if absent.
func (n *ChordNode) Predecessor() *NodeAddress {
	n.ptrMu.RLock()
	defer n.ptrMu.RUnlock()
	return n.predecessor.Copy()
}

// compareAndSetSuccessor replaces the successor only if it still equals old.
func (n *ChordNode) compareAndSetSuccessor(old, next *NodeAddress) bool {
	if !n.swapSuccessor(old, next) {
		return false
	}

	if !old.Equals(next) {
		n.logger.Debug().
			Str("old", old.ShortID()).
			Str("new", next.ShortID()).
			Msg("Successor updated")
		n.publish(EventSuccessorChanged, next, "successor updated")
	}
	return true
}

// swapSuccessor is compareAndSetSuccessor without the change event; callers
// publish their own.
func (n *ChordNode) swapSuccessor(old, next *NodeAddress) bool {
	n.ptrMu.Lock()
	defer n.ptrMu.Unlock()

	if !n.successor.Equals(old) {
		return false
	}
	n.successor = next.Copy()
	return true
}

// compareAndSetPredecessor replaces the predecessor only if it still equals old.
func (n *ChordNode) compareAndSetPredecessor(old, next *NodeAddress) bool {
	n.ptrMu.Lock()
	if !n.predecessor.Equals(old) {
		n.ptrMu.Unlock()
		return false
	}
	n.predecessor = next.Copy()
	n.ptrMu.Unlock()

	if !old.Equals(next) {
		n.logger.Debug().
			Str("old", old.ShortID()).
			Str("new", next.ShortID()).
			Msg("Predecessor updated")
		if next != nil {
			n.publish(EventPredecessorChanged, next, "predecessor updated")
		}
	}
	return true
}

// Fingers returns a snapshot of the finger table.
func (n *ChordNode) Fingers() []FingerEntry {
	n.tableMu.RLock()
	defer n.tableMu.RUnlock()

	entries := make([]FingerEntry, len(n.fingers))
	for i, f := range n.fingers {
		entries[i] = NewFingerEntry(i, n.fingerStart(i), f)
	}
	return entries
}

// SuccessorList returns a copy of the successor list; unknown slots are nil.
func (n *ChordNode) SuccessorList() []*NodeAddress {
	n.tableMu.RLock()
	defer n.tableMu.RUnlock()

	list := make([]*NodeAddress, len(n.successorList))
	for i, s := range n.successorList {
		list[i] = s.Copy()
	}
	return list
}

// State returns a snapshot of the whole routing state.
func (n *ChordNode) State() RingState {
	return RingState{
		Self:          n.Address(),
		Successor:     n.Successor(),
		Predecessor:   n.Predecessor(),
		SuccessorList: n.SuccessorList(),
		Fingers:       n.Fingers(),
	}
}

// fingerStart returns the identifier finger slot i is responsible for.
func (n *ChordNode) fingerStart(i int) *big.Int {
	return n.space.FingerStart(n.self.ID, n.config.FingerOffset+i)
}

// resetTables forgets every finger and successor-list entry and rewinds both cursors.
func (n *ChordNode) resetTables() {
	n.tableMu.Lock()
	defer n.tableMu.Unlock()

	for i := range n.fingers {
		n.fingers[i] = nil
	}
	for i := range n.successorList {
		n.successorList[i] = nil
	}
	n.nextFinger = -1
	n.nextSuccessor = -1
}

// Create creates a new Chord ring with this node as the only member.
func (n *ChordNode) Create(ctx context.Context) error {
	n.logger.Info().Msg("Creating new Chord ring")

	n.ptrMu.Lock()
	n.predecessor = nil
	n.successor = n.self.Copy()
	n.ptrMu.Unlock()

	n.resetTables()

	n.publish(EventRingCreated, n.self, "ring created")
	n.logger.Info().Msg("Chord ring created successfully")
	return nil
}

// Join joins an existing Chord ring through the given introducer node.
// A failure leaves the node's pointers untouched and is returned to the caller.
func (n *ChordNode) Join(ctx context.Context, introducer *NodeAddress) error {
	if introducer.IsNil() {
		return ErrNilIntroducer
	}

	n.logger.Info().
		Str("introducer", introducer.Address()).
		Msg("Joining Chord ring")

	var (
		successor *NodeAddress
		err       error
	)
	if introducer.Equals(n.self) {
		successor, err = n.FindSuccessor(ctx, n.self.ID)
	} else {
		remote := n.getRemote()
		if remote == nil {
			return ErrNoRemote
		}
		successor, err = remote.FindSuccessor(ctx, introducer.Address(), n.self.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to find successor via introducer %s: %w", introducer.Address(), err)
	}
	if successor.IsNil() {
		return fmt.Errorf("introducer %s: %w", introducer.Address(), ErrNoSuccessor)
	}

	n.ptrMu.Lock()
	n.predecessor = nil
	n.successor = successor.Copy()
	n.ptrMu.Unlock()

	n.resetTables()

	n.logger.Info().
		Str("successor_id", successor.ShortID()).
		Str("successor_addr", successor.Address()).
		Msg("Joined Chord ring")
	n.publish(EventRingJoined, successor, "joined ring")
	return nil
}

// RegisterMaintenance hands the four maintenance protocols to the scheduler.
func (n *ChordNode) RegisterMaintenance(r Registrar) {
	r.Register(TaskCheckPredecessor, n.config.CheckPredecessorInterval, n.CheckPredecessor)
	r.Register(TaskStabilize, n.config.StabilizeInterval, n.Stabilize)
	r.Register(TaskFixFingers, n.config.FixFingersInterval, n.FixFingers)
	r.Register(TaskFixSuccessor, n.config.FixSuccessorInterval, n.FixSuccessor)
}

// The helpers below resolve calls addressed to this node locally instead of
// going through the network.

func (n *ChordNode) callGetInfo(ctx context.Context, target *NodeAddress) (*NodeAddress, error) {
	if target.Equals(n.self) {
		return n.Address(), nil
	}
	remote := n.getRemote()
	if remote == nil {
		return nil, ErrNoRemote
	}
	return remote.GetInfo(ctx, target.Address())
}

func (n *ChordNode) callGetSuccessor(ctx context.Context, target *NodeAddress) (*NodeAddress, error) {
	if target.Equals(n.self) {
		return n.Successor(), nil
	}
	remote := n.getRemote()
	if remote == nil {
		return nil, ErrNoRemote
	}
	return remote.GetSuccessor(ctx, target.Address())
}

func (n *ChordNode) callGetPredecessor(ctx context.Context, target *NodeAddress) (*NodeAddress, error) {
	if target.Equals(n.self) {
		return n.Predecessor(), nil
	}
	remote := n.getRemote()
	if remote == nil {
		return nil, ErrNoRemote
	}
	return remote.GetPredecessor(ctx, target.Address())
}

func (n *ChordNode) callNotify(ctx context.Context, target *NodeAddress) error {
	if target.Equals(n.self) {
		n.Notify(n.self)
		return nil
	}
	remote := n.getRemote()
	if remote == nil {
		return ErrNoRemote
	}
	return remote.Notify(ctx, target.Address(), n.self)
}
