package chord

import "time"

// Ring update event types
const (
	EventRingCreated        = "ring_created"
	EventRingJoined         = "ring_joined"
	EventSuccessorChanged   = "successor_changed"
	EventPredecessorChanged = "predecessor_changed"
	EventSuccessorFailover  = "successor_failover"
	EventPredecessorFailed  = "predecessor_failed"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the ChordNode to notify external systems (like WebSocket clients)
// when the ring topology changes without creating circular dependencies.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	// The update parameter can be any data structure that will be serialized and sent.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`          // ID of the node reporting the change
	PeerID    string `json:"peer_id,omitempty"` // New successor/predecessor, if any
	PeerAddr  string `json:"peer_addr,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// SetBroadcaster attaches a broadcaster for ring topology events.
func (n *ChordNode) SetBroadcaster(b RingUpdateBroadcaster) {
	n.broadcastMu.Lock()
	defer n.broadcastMu.Unlock()
	n.broadcaster = b
}

// publish sends an event to the broadcaster, if one is attached.
func (n *ChordNode) publish(eventType string, peer *NodeAddress, message string) {
	n.broadcastMu.RLock()
	b := n.broadcaster
	n.broadcastMu.RUnlock()

	if b == nil {
		return
	}

	event := RingUpdateEvent{
		Type:      eventType,
		NodeID:    n.self.ID.Text(16),
		Timestamp: time.Now().Unix(),
		Message:   message,
	}
	if !peer.IsNil() {
		event.PeerID = peer.ID.Text(16)
		event.PeerAddr = peer.Address()
	}

	if err := b.BroadcastRingUpdate(event); err != nil {
		n.logger.Debug().Err(err).Str("event", eventType).Msg("Failed to broadcast ring update")
	}
}
