package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling.
// Values that are not proto messages are carried as a google.protobuf.Value
// built from their JSON form. Content-Type: application/x-protobuf
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return p.mo.Marshal(msg)
	}
	val, err := toValue(v)
	if err != nil {
		return nil, err
	}
	return p.mo.Marshal(val)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return p.uo.Unmarshal(data, msg)
	}
	var val structpb.Value
	if err := p.uo.Unmarshal(data, &val); err != nil {
		return err
	}
	b, err := json.Marshal(val.AsInterface())
	if err != nil {
		return fmt.Errorf("protobuf: %w", err)
	}
	return json.Unmarshal(b, v)
}

func toValue(v any) (*structpb.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %w", err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, fmt.Errorf("protobuf: %w", err)
	}
	val, err := structpb.NewValue(generic)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %w", err)
	}
	return val, nil
}
