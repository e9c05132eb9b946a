package codec

import (
    "encoding/json"
)

type jsonCodec struct{}

// JSON is the human-readable alternative to CBOR; ground tooling asks for
// it by content type when inspecting a node.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
