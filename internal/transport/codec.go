package transport

import (
	"golang.org/x/xerrors"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype the ring service is spoken in.
// Requests travel as application/grpc+chordwire.
const CodecName = "chordwire"

// wireMessage is implemented by every request and reply of the ring service.
// Encoding uses the protobuf wire format so that field numbers stay stable
// across releases.
type wireMessage interface {
	marshalWire() []byte
	unmarshalWire(data []byte) error
}

type wireCodec struct{}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

func (wireCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(wireMessage)
	if !ok {
		return nil, xerrors.Errorf("chordwire: cannot marshal %T", v)
	}
	return msg.marshalWire(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(wireMessage)
	if !ok {
		return xerrors.Errorf("chordwire: cannot unmarshal into %T", v)
	}
	if err := msg.unmarshalWire(data); err != nil {
		return xerrors.Errorf("chordwire: %T: %w", v, err)
	}
	return nil
}

func (wireCodec) Name() string {
	return CodecName
}
