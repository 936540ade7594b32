package chord

import "context"

// FixSuccessor refreshes one successor-list slot per call, walking the ring
// from the current successor. Slot 0 is anchored to the successor; slot i is
// the successor of slot i-1. When slot i-1 turns out to be dead it is removed
// by moving every later slot one position left, and the walk restarts at 0.
func (n *ChordNode) FixSuccessor(ctx context.Context) error {
	n.fixSuccessorMu.Lock()
	defer n.fixSuccessorMu.Unlock()

	succ := n.Successor()
	if succ.IsNil() {
		return nil
	}

	n.tableMu.Lock()
	n.nextSuccessor = (n.nextSuccessor + 1) % len(n.successorList)
	cursor := n.nextSuccessor

	if cursor == 0 {
		n.successorList[0] = succ
		n.tableMu.Unlock()
		return nil
	}

	prev := n.successorList[cursor-1].Copy()
	if prev.IsNil() {
		// Nothing to walk from yet, start again at the anchor
		n.nextSuccessor = -1
		n.tableMu.Unlock()
		return nil
	}
	n.tableMu.Unlock()

	next, err := n.callGetSuccessor(ctx, prev)
	if err != nil {
		n.logger.Debug().
			Err(err).
			Int("slot", cursor-1).
			Str("node", prev.Address()).
			Msg("Successor list entry unreachable, dropping it")
		n.dropSuccessorSlot(cursor - 1)
		return nil
	}

	n.tableMu.Lock()
	n.successorList[cursor] = next.Copy()
	if next.IsNil() {
		n.nextSuccessor = -1
	}
	n.tableMu.Unlock()
	return nil
}

// dropSuccessorSlot removes slot dead from the successor list, shifting the
// following entries left, and rewinds the refresh cursor.
func (n *ChordNode) dropSuccessorSlot(dead int) {
	n.tableMu.Lock()
	defer n.tableMu.Unlock()

	last := len(n.successorList) - 1
	for k := dead; k < last; k++ {
		n.successorList[k] = n.successorList[k+1]
	}
	n.successorList[last] = nil
	n.nextSuccessor = -1
}
