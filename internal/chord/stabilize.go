package chord

import "context"

// Stabilize verifies the node's immediate successor and tells the successor about this node.
// When the successor cannot be reached the successor list is used to fail over;
// if no entry answers either, the node falls back to being its own successor.
func (n *ChordNode) Stabilize(ctx context.Context) error {
	n.stabilizeMu.Lock()
	defer n.stabilizeMu.Unlock()

	succ := n.Successor()
	if succ.IsNil() {
		return nil
	}

	succ, err := n.reconcileSuccessor(ctx, succ)
	if err == nil {
		return nil
	}

	n.logger.Debug().
		Err(err).
		Str("successor", succ.Address()).
		Msg("Successor unreachable, failing over")

	n.failover(ctx, succ)
	return nil
}

// reconcileSuccessor asks succ for its predecessor, adopts it when it sits
// between this node and succ, and notifies whichever node ends up as successor.
// The returned node is the successor the notify was sent to.
func (n *ChordNode) reconcileSuccessor(ctx context.Context, succ *NodeAddress) (*NodeAddress, error) {
	x, err := n.callGetPredecessor(ctx, succ)
	if err != nil {
		return succ, err
	}

	// A node that joined between us and our successor becomes the new successor
	if !x.IsNil() && n.space.BetweenOpen(x.ID, n.self.ID, succ.ID) {
		if n.compareAndSetSuccessor(succ, x) {
			succ = x
		}
	}

	return succ, n.callNotify(ctx, succ)
}

// failover promotes the first live successor-list entry to successor.
func (n *ChordNode) failover(ctx context.Context, failed *NodeAddress) {
	for _, candidate := range n.SuccessorList() {
		if candidate.IsNil() || candidate.Equals(failed) || candidate.Equals(n.self) {
			continue
		}

		if _, err := n.callGetInfo(ctx, candidate); err != nil {
			n.logger.Debug().
				Err(err).
				Str("candidate", candidate.Address()).
				Msg("Successor list entry unreachable")
			continue
		}

		if n.swapSuccessor(failed, candidate) {
			n.logger.Info().
				Str("failed", failed.Address()).
				Str("successor", candidate.Address()).
				Msg("Failed over to next live successor")
			n.publish(EventSuccessorFailover, candidate, "successor failed over")
		}
		return
	}

	if n.swapSuccessor(failed, n.self) {
		n.logger.Warn().
			Str("failed", failed.Address()).
			Msg("No live successor left, node is now its own successor")
		n.publish(EventSuccessorFailover, n.self, "no live successor, ring reduced to self")
	}
}

// Notify handles notification from another node that it might be our predecessor.
// The candidate is accepted when no predecessor is known or it lies strictly
// between the current predecessor and this node.
func (n *ChordNode) Notify(candidate *NodeAddress) {
	if candidate.IsNil() {
		return
	}

	n.ptrMu.Lock()
	pred := n.predecessor
	accept := pred.IsNil() || n.space.BetweenOpen(candidate.ID, pred.ID, n.self.ID)
	if accept {
		n.predecessor = candidate.Copy()
	}
	n.ptrMu.Unlock()

	if accept && !pred.Equals(candidate) {
		n.logger.Debug().
			Str("new_predecessor", candidate.ShortID()).
			Msg("Predecessor updated via notify")
		n.publish(EventPredecessorChanged, candidate, "predecessor updated via notify")
	}
}
