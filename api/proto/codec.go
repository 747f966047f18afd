package proto

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(JSONCodec{})
	// Standard gRPC clients in other languages negotiate
	// Content-Type: application/grpc+proto. The message structs here carry
	// JSON tags rather than the protobuf binary format, so the same JSON
	// marshaling is registered under the "proto" name as well.
	encoding.RegisterCodec(protoNamedJSONCodec{})
}

// JSONCodec is a gRPC codec that marshals messages with encoding/json. It
// lets the hand-written structs in this package travel over a real gRPC
// transport: []byte fields become base64 strings and empty fields are
// omitted.
//
// Servers pick it up through the init registration above; clients must force
// it per connection:
//
//	conn, _ := grpc.NewClient(addr,
//	    grpc.WithDefaultCallOptions(grpc.ForceCodec(proto.JSONCodec{})),
//	    ...)
type JSONCodec struct{}

// Name returns the content-subtype, selecting application/grpc+json.
func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// protoNamedJSONCodec is JSONCodec registered under the "proto" subtype so
// clients that negotiate application/grpc+proto interoperate; the payload on
// the wire is still JSON.
type protoNamedJSONCodec struct{}

func (protoNamedJSONCodec) Name() string { return "proto" }

func (protoNamedJSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (protoNamedJSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
