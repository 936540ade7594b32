package chord

import (
	"context"
	"math/big"
)

// RemoteClient defines the calls a ChordNode makes on other nodes.
// Implementations must bound every call with a timeout and report
// any failure as a *CommunicationError.
type RemoteClient interface {
	// GetInfo returns the remote node's own descriptor. Used as the liveness probe.
	GetInfo(ctx context.Context, address string) (*NodeAddress, error)

	// GetSuccessor returns the remote node's current successor (nil if absent).
	GetSuccessor(ctx context.Context, address string) (*NodeAddress, error)

	// GetPredecessor returns the remote node's current predecessor (nil if absent).
	GetPredecessor(ctx context.Context, address string) (*NodeAddress, error)

	// FindSuccessor asks the remote node to resolve the successor of id.
	FindSuccessor(ctx context.Context, address string, id *big.Int) (*NodeAddress, error)

	// FindSuccessorWithPath is FindSuccessor that also returns the nodes that
	// handled the lookup, starting with the remote node.
	FindSuccessorWithPath(ctx context.Context, address string, id *big.Int) (*NodeAddress, []*NodeAddress, error)

	// Notify tells the remote node that node might be its predecessor.
	Notify(ctx context.Context, address string, node *NodeAddress) error
}
