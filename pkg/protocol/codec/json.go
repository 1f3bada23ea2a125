package codec

import (
    "encoding/json"
)

type jsonCodec struct{}

// JSON returns an indented JSON codec (RFC 8259).
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string                        { return "json" }
func (jsonCodec) ContentType() string                 { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)       { return json.MarshalIndent(v, "", "  ") }
func (jsonCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }
