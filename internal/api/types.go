package api

import (
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/scheduler"
)

// nodeJSON is the wire form of a chord.NodeAddress.
type nodeJSON struct {
	ID      string `json:"id"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Address string `json:"address"`
}

type fingerJSON struct {
	Index int       `json:"index"`
	Start string    `json:"start"`
	Node  *nodeJSON `json:"node"` // null while unresolved
}

type stateResponse struct {
	Self          *nodeJSON             `json:"self"`
	Successor     *nodeJSON             `json:"successor"`
	Predecessor   *nodeJSON             `json:"predecessor"`
	SuccessorList []*nodeJSON           `json:"successor_list"`
	Fingers       []fingerJSON          `json:"fingers"`
	IDBits        int                   `json:"id_bits"`
	Tasks         []scheduler.TaskStats `json:"tasks,omitempty"`
}

type lookupResponse struct {
	Key       string      `json:"key,omitempty"`
	ID        string      `json:"id"`
	Successor *nodeJSON   `json:"successor"`
	Path      []*nodeJSON `json:"path"`
	Hops      int         `json:"hops"`
}

type joinRequest struct {
	Address string `json:"address"`
}

type statusResponse struct {
	Status string    `json:"status"`
	Node   *nodeJSON `json:"node,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	NodeID  string `json:"node_id"`
	Clients int    `json:"websocket_clients"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toNodeJSON(n *chord.NodeAddress) *nodeJSON {
	if n.IsNil() {
		return nil
	}
	return &nodeJSON{
		ID:      n.ID.Text(16),
		Host:    n.Host,
		Port:    n.Port,
		Address: n.Address(),
	}
}

// toNodeList keeps unknown slots as nulls so indexes line up with the table.
func toNodeList(nodes []*chord.NodeAddress) []*nodeJSON {
	out := make([]*nodeJSON, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeJSON(n))
	}
	return out
}
