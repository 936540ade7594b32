package chord

import "context"

// CheckPredecessor probes the predecessor and clears it when it does not answer.
// A later Notify from the real predecessor repopulates it.
func (n *ChordNode) CheckPredecessor(ctx context.Context) error {
	n.checkPredMu.Lock()
	defer n.checkPredMu.Unlock()

	pred := n.Predecessor()
	if pred.IsNil() || pred.Equals(n.self) {
		return nil
	}

	_, err := n.callGetInfo(ctx, pred)
	if err == nil {
		return nil
	}

	n.logger.Debug().
		Err(err).
		Str("predecessor", pred.Address()).
		Msg("Predecessor unreachable")

	if n.compareAndSetPredecessor(pred, nil) {
		n.logger.Info().
			Str("predecessor", pred.Address()).
			Msg("Predecessor cleared")
		n.publish(EventPredecessorFailed, pred, "predecessor failed liveness check")
	}
	return nil
}
