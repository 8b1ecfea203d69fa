package rpcserver

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype this agent speaks:
// "application/grpc+json" on the wire. Deliberately not protobuf --
// protobuf wire-format generation is out of scope, and a JSON Envelope
// keeps the registry table the single source of truth about
// request/response shapes instead of a generated one.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
