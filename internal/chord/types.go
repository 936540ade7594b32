package chord

import (
	"fmt"
	"math/big"
)

// NodeAddress represents a node in the Chord ring with its identifier and network address.
// A nil *NodeAddress stands for "no node" (an unknown finger, an absent predecessor).
type NodeAddress struct {
	ID   *big.Int // Node identifier in the Chord ring (0 to 2^bits - 1)
	Host string   // Network host (IP address or hostname)
	Port int      // Network port
}

// NewNodeAddress creates a new NodeAddress with the given parameters.
// The ID is copied to prevent external modification.
func NewNodeAddress(id *big.Int, host string, port int) *NodeAddress {
	if id == nil {
		return &NodeAddress{
			ID:   new(big.Int),
			Host: host,
			Port: port,
		}
	}
	return &NodeAddress{
		ID:   new(big.Int).Set(id),
		Host: host,
		Port: port,
	}
}

// String returns a human-readable representation of the node address.
// Format: "NodeAddress{ID: <hex>, Addr: <host>:<port>}"
func (n *NodeAddress) String() string {
	if n.IsNil() {
		return "NodeAddress{nil}"
	}
	return fmt.Sprintf("NodeAddress{ID: %s, Addr: %s:%d}",
		n.ID.Text(16), n.Host, n.Port)
}

// Address returns the network address in "host:port" format.
func (n *NodeAddress) Address() string {
	if n == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// ShortID returns at most the first 8 hex digits of the identifier, for logs.
func (n *NodeAddress) ShortID() string {
	if n.IsNil() {
		return "nil"
	}
	return truncateHex(n.ID.Text(16), 8)
}

// Equals checks if two NodeAddress instances are equal.
// Two nodes are equal if they have the same ID, host, and port.
func (n *NodeAddress) Equals(other *NodeAddress) bool {
	if n == nil && other == nil {
		return true
	}
	if n == nil || other == nil {
		return false
	}
	if n.ID == nil && other.ID == nil {
		return n.Host == other.Host && n.Port == other.Port
	}
	if n.ID == nil || other.ID == nil {
		return false
	}
	return n.ID.Cmp(other.ID) == 0 &&
		n.Host == other.Host &&
		n.Port == other.Port
}

// Copy creates a deep copy of the NodeAddress.
func (n *NodeAddress) Copy() *NodeAddress {
	if n == nil {
		return nil
	}
	return NewNodeAddress(n.ID, n.Host, n.Port)
}

// IsNil reports whether the address is the absent sentinel: a nil pointer,
// a nil ID, or an empty host as received from the wire.
func (n *NodeAddress) IsNil() bool {
	return n == nil || n.ID == nil || n.Host == ""
}

// FingerEntry describes one finger table slot for introspection.
// Node is nil while the slot has not been resolved yet.
type FingerEntry struct {
	Index int          // Slot index in the table
	Start *big.Int     // (n + 2^(offset+index)) mod 2^bits
	Node  *NodeAddress // First node that succeeds or equals Start
}

// NewFingerEntry creates a new FingerEntry with the given parameters.
// The start ID and node are copied to prevent external modification.
func NewFingerEntry(index int, start *big.Int, node *NodeAddress) FingerEntry {
	var startCopy *big.Int
	if start != nil {
		startCopy = new(big.Int).Set(start)
	}

	return FingerEntry{
		Index: index,
		Start: startCopy,
		Node:  node.Copy(),
	}
}

// String returns a human-readable representation of the finger entry.
func (f FingerEntry) String() string {
	startStr := "<nil>"
	if f.Start != nil {
		startStr = f.Start.Text(16)
	}
	nodeStr := "<unknown>"
	if !f.Node.IsNil() {
		nodeStr = f.Node.String()
	}
	return fmt.Sprintf("FingerEntry{Index: %d, Start: %s, Node: %s}", f.Index, startStr, nodeStr)
}

// RingState is a point-in-time snapshot of a node's routing state.
type RingState struct {
	Self          *NodeAddress
	Successor     *NodeAddress
	Predecessor   *NodeAddress
	SuccessorList []*NodeAddress // nil entries are unknown slots
	Fingers       []FingerEntry
}

// truncateHex safely truncates a hex string to the specified length.
func truncateHex(hexStr string, maxLen int) string {
	if len(hexStr) > maxLen {
		return hexStr[:maxLen]
	}
	return hexStr
}
