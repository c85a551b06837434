package grpcx

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// codecName is the content-subtype envelope exchanges are negotiated
// under. Other services on the same connection (health checks) keep the
// default proto codec.
const codecName = "qframe"

func init() {
	encoding.RegisterCodec(frameCodec{})
}

// Frame is the thin wrapper message carrying payload bytes. Envelope
// metadata never enters the message body; it travels as call metadata.
// Wire-compatible with `message Frame { bytes data = 1; }`.
type Frame struct {
	Data []byte
}

func (f *Frame) marshal() []byte {
	if len(f.Data) == 0 {
		return nil
	}
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, f.Data)
}

func (f *Frame) unmarshal(data []byte) error {
	f.Data = nil
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if num == 1 && typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.Data = append([]byte(nil), v...)
			data = data[m:]
			continue
		}
		// Skip unknown fields so the frame can grow.
		m := protowire.ConsumeFieldValue(num, typ, data)
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

type frameCodec struct{}

func (frameCodec) Name() string { return codecName }

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("frame codec cannot marshal %T", v)
	}
	return f.marshal(), nil
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("frame codec cannot unmarshal into %T", v)
	}
	return f.unmarshal(data)
}
