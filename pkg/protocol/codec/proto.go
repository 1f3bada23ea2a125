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
// Values that are not proto messages are carried as a
// google.protobuf.Value built from their JSON form.
func Proto() Codec {
    return protoCodec{
        mo: proto.MarshalOptions{Deterministic: true},
        uo: proto.UnmarshalOptions{},
    }
}

func (p protoCodec) Name() string        { return "proto" }
func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
    msg, ok := v.(proto.Message)
    if !ok {
        var err error
        if msg, err = toValue(v); err != nil {
            return nil, fmt.Errorf("protobuf: %T: %w", v, err)
        }
    }
    return p.mo.Marshal(msg)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
    if msg, ok := v.(proto.Message); ok {
        return p.uo.Unmarshal(data, msg)
    }
    var val structpb.Value
    if err := p.uo.Unmarshal(data, &val); err != nil { return err }
    raw, err := val.MarshalJSON()
    if err != nil { return err }
    return json.Unmarshal(raw, v)
}

func toValue(v any) (*structpb.Value, error) {
    raw, err := json.Marshal(v)
    if err != nil { return nil, err }
    var generic any
    if err := json.Unmarshal(raw, &generic); err != nil { return nil, err }
    return structpb.NewValue(generic)
}
