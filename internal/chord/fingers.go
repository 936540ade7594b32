package chord

import (
	"context"
	"fmt"
	"math/big"
)

// FixFingers refreshes the next finger table slot.
// It only runs once both successor and predecessor are known.
func (n *ChordNode) FixFingers(ctx context.Context) error {
	n.fixFingersMu.Lock()
	defer n.fixFingersMu.Unlock()

	if n.Successor().IsNil() || n.Predecessor().IsNil() {
		return nil
	}

	n.tableMu.Lock()
	n.nextFinger = (n.nextFinger + 1) % len(n.fingers)
	next := n.nextFinger
	n.tableMu.Unlock()

	start := n.fingerStart(next)

	finger, err := n.FindSuccessor(ctx, start)
	if err != nil {
		n.logger.Debug().
			Err(err).
			Int("finger_index", next).
			Msg("Failed to fix finger")
		return err
	}

	n.tableMu.Lock()
	n.fingers[next] = finger.Copy()
	n.tableMu.Unlock()

	return nil
}

// ClosestPrecedingNode finds the closest known node that precedes id.
// Fingers are scanned from the longest reach down; self is returned when none qualifies.
func (n *ChordNode) ClosestPrecedingNode(id *big.Int) *NodeAddress {
	n.tableMu.RLock()
	defer n.tableMu.RUnlock()

	for i := len(n.fingers) - 1; i >= 0; i-- {
		finger := n.fingers[i]
		if finger.IsNil() {
			continue
		}

		if n.space.BetweenOpen(finger.ID, n.self.ID, id) {
			return finger.Copy()
		}
	}

	return n.self.Copy()
}

// FindSuccessor finds the successor of a given ID.
// This is the core Chord lookup operation.
func (n *ChordNode) FindSuccessor(ctx context.Context, id *big.Int) (*NodeAddress, error) {
	succ, _, err := n.lookup(ctx, id, false)
	return succ, err
}

// FindSuccessorWithPath is FindSuccessor that also returns the nodes the
// lookup went through, starting with this node.
func (n *ChordNode) FindSuccessorWithPath(ctx context.Context, id *big.Int) (*NodeAddress, []*NodeAddress, error) {
	return n.lookup(ctx, id, true)
}

func (n *ChordNode) lookup(ctx context.Context, id *big.Int, withPath bool) (*NodeAddress, []*NodeAddress, error) {
	if id == nil {
		return nil, nil, fmt.Errorf("id cannot be nil: %w", ErrInvalidID)
	}
	id = n.space.Mod(id)

	var path []*NodeAddress
	if withPath {
		path = []*NodeAddress{n.self.Copy()}
	}

	succ := n.Successor()
	if succ.IsNil() {
		return n.self.Copy(), path, nil
	}

	// If ID is in (n, successor], then successor is the answer
	if id.Cmp(succ.ID) == 0 || n.space.Between(id, n.self.ID, succ.ID) {
		return succ, path, nil
	}

	closest := n.ClosestPrecedingNode(id)
	if closest.Equals(n.self) {
		return succ, path, nil
	}

	remote := n.getRemote()
	if remote == nil {
		return succ, path, nil
	}

	var (
		result *NodeAddress
		hops   []*NodeAddress
		err    error
	)
	if withPath {
		result, hops, err = remote.FindSuccessorWithPath(ctx, closest.Address(), id)
	} else {
		result, err = remote.FindSuccessor(ctx, closest.Address(), id)
	}
	if err == nil && result.IsNil() {
		err = ErrNoSuccessor
	}
	if err != nil {
		n.logger.Debug().
			Err(err).
			Str("closest_node", closest.Address()).
			Str("distance", n.space.Distance(closest.ID, id).Text(16)).
			Msg("Failed to forward FindSuccessor, answering with successor")
		n.invalidateFinger(closest)
		return succ, path, nil
	}

	return result, append(path, hops...), nil
}

// invalidateFinger forgets every finger pointing at node so that later
// lookups route around it until FixFingers repopulates the slots.
func (n *ChordNode) invalidateFinger(node *NodeAddress) {
	n.tableMu.Lock()
	defer n.tableMu.Unlock()

	for i, f := range n.fingers {
		if f.Equals(node) {
			n.fingers[i] = nil
		}
	}
}
