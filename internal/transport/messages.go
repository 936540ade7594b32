package transport

import (
	"math/big"

	"golang.org/x/xerrors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zde37/chordring/internal/chord"
)

// Node is a node descriptor on the wire. A nil *Node, or one with an empty
// host, is the absent node.
//
//	1: id   bytes  (big-endian)
//	2: host string
//	3: port uint32
type Node struct {
	Id   []byte
	Host string
	Port uint32
}

// Empty carries no fields.
type Empty struct{}

// NodeReply answers GetInfo, GetSuccessor, GetPredecessor and FindSuccessor.
//
//	1: node Node (omitted when absent)
type NodeReply struct {
	Node *Node
}

// FindSuccessorRequest names the identifier being looked up.
//
//	1: id bytes (big-endian)
type FindSuccessorRequest struct {
	Id []byte
}

// FindSuccessorWithPathReply is a lookup answer plus the nodes it visited.
//
//	1: successor Node
//	2: path      repeated Node
type FindSuccessorWithPathReply struct {
	Successor *Node
	Path      []*Node
}

// NodeListReply answers GetSuccessorList.
//
//	1: nodes repeated Node
type NodeListReply struct {
	Nodes []*Node
}

// JoinRequest asks a node to join the ring through an introducer.
//
//	1: introducer Node
type JoinRequest struct {
	Introducer *Node
}

// NotifyRequest carries the would-be predecessor.
//
//	1: node Node
type NotifyRequest struct {
	Node *Node
}

var (
	_ wireMessage = (*Node)(nil)
	_ wireMessage = (*Empty)(nil)
	_ wireMessage = (*NodeReply)(nil)
	_ wireMessage = (*FindSuccessorRequest)(nil)
	_ wireMessage = (*FindSuccessorWithPathReply)(nil)
	_ wireMessage = (*NodeListReply)(nil)
	_ wireMessage = (*JoinRequest)(nil)
	_ wireMessage = (*NotifyRequest)(nil)
)

func (m *Node) marshalWire() []byte {
	var b []byte
	if len(m.Id) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Id)
	}
	if m.Host != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Host)
	}
	if m.Port != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Port))
	}
	return b
}

func (m *Node) unmarshalWire(data []byte) error {
	*m = Node{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := bytesField(num, typ, b)
			m.Id = append([]byte(nil), v...)
			return n, err
		case 2:
			v, n, err := bytesField(num, typ, b)
			m.Host = string(v)
			return n, err
		case 3:
			v, n, err := varintField(num, typ, b)
			if err == nil && v > 0xffff {
				return n, xerrors.Errorf("port %d out of range", v)
			}
			m.Port = uint32(v)
			return n, err
		}
		return skipField(num, typ, b)
	})
}

func (m *Empty) marshalWire() []byte { return nil }

func (m *Empty) unmarshalWire(data []byte) error {
	return walkFields(data, skipField)
}

func (m *NodeReply) marshalWire() []byte {
	return appendNode(nil, 1, m.Node)
}

func (m *NodeReply) unmarshalWire(data []byte) error {
	*m = NodeReply{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			node, n, err := nodeField(num, typ, b)
			m.Node = node
			return n, err
		}
		return skipField(num, typ, b)
	})
}

func (m *FindSuccessorRequest) marshalWire() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, m.Id)
}

func (m *FindSuccessorRequest) unmarshalWire(data []byte) error {
	*m = FindSuccessorRequest{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := bytesField(num, typ, b)
			m.Id = append([]byte(nil), v...)
			return n, err
		}
		return skipField(num, typ, b)
	})
}

func (m *FindSuccessorWithPathReply) marshalWire() []byte {
	b := appendNode(nil, 1, m.Successor)
	for _, hop := range m.Path {
		b = appendNode(b, 2, hop)
	}
	return b
}

func (m *FindSuccessorWithPathReply) unmarshalWire(data []byte) error {
	*m = FindSuccessorWithPathReply{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			node, n, err := nodeField(num, typ, b)
			m.Successor = node
			return n, err
		case 2:
			node, n, err := nodeField(num, typ, b)
			if err == nil {
				m.Path = append(m.Path, node)
			}
			return n, err
		}
		return skipField(num, typ, b)
	})
}

func (m *NodeListReply) marshalWire() []byte {
	var b []byte
	for _, node := range m.Nodes {
		b = appendNode(b, 1, node)
	}
	return b
}

func (m *NodeListReply) unmarshalWire(data []byte) error {
	*m = NodeListReply{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			node, n, err := nodeField(num, typ, b)
			if err == nil {
				m.Nodes = append(m.Nodes, node)
			}
			return n, err
		}
		return skipField(num, typ, b)
	})
}

func (m *JoinRequest) marshalWire() []byte {
	return appendNode(nil, 1, m.Introducer)
}

func (m *JoinRequest) unmarshalWire(data []byte) error {
	*m = JoinRequest{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			node, n, err := nodeField(num, typ, b)
			m.Introducer = node
			return n, err
		}
		return skipField(num, typ, b)
	})
}

func (m *NotifyRequest) marshalWire() []byte {
	return appendNode(nil, 1, m.Node)
}

func (m *NotifyRequest) unmarshalWire(data []byte) error {
	*m = NotifyRequest{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			node, n, err := nodeField(num, typ, b)
			m.Node = node
			return n, err
		}
		return skipField(num, typ, b)
	})
}

// appendNode writes node as an embedded message; absent nodes are omitted.
func appendNode(b []byte, num protowire.Number, node *Node) []byte {
	if node == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, node.marshalWire())
}

// walkFields calls field for every tag in data. field returns how many bytes
// of the value it consumed.
func walkFields(data []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		n, err := field(num, typ, data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func bytesField(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, xerrors.Errorf("field %d: wire type %d, want bytes", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func varintField(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, xerrors.Errorf("field %d: wire type %d, want varint", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func nodeField(num protowire.Number, typ protowire.Type, b []byte) (*Node, int, error) {
	v, n, err := bytesField(num, typ, b)
	if err != nil {
		return nil, 0, err
	}
	node := &Node{}
	if err := node.unmarshalWire(v); err != nil {
		return nil, 0, xerrors.Errorf("field %d: %w", num, err)
	}
	return node, n, nil
}

// Helper functions for type conversion

// nodeToWire converts a NodeAddress to its wire form. Absent nodes stay nil.
func nodeToWire(addr *chord.NodeAddress) *Node {
	if addr.IsNil() {
		return nil
	}

	return &Node{
		Id:   addr.ID.Bytes(),
		Host: addr.Host,
		Port: uint32(addr.Port),
	}
}

// wireToNode converts a wire Node to a NodeAddress. Absent nodes become nil.
func wireToNode(node *Node) *chord.NodeAddress {
	if node == nil || node.Host == "" {
		return nil
	}

	id := new(big.Int).SetBytes(node.Id)
	return chord.NewNodeAddress(id, node.Host, int(node.Port))
}

func nodesToWire(addrs []*chord.NodeAddress) []*Node {
	out := make([]*Node, 0, len(addrs))
	for _, addr := range addrs {
		if node := nodeToWire(addr); node != nil {
			out = append(out, node)
		}
	}
	return out
}

func wireToNodes(nodes []*Node) []*chord.NodeAddress {
	out := make([]*chord.NodeAddress, 0, len(nodes))
	for _, node := range nodes {
		if addr := wireToNode(node); addr != nil {
			out = append(out, addr)
		}
	}
	return out
}
