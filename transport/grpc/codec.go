package grpc

import (
	"encoding/json"
	"fmt"
)

// jsonCodec is a minimal grpc/encoding.Codec that marshals with the
// standard library's encoding/json instead of protobuf. This lets the
// transport speak unary gRPC to the Service Control API without a
// protoc-generated client: every message in this package is a plain Go
// struct from the servicecontrol package, not a *proto.Message.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport/grpc: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport/grpc: unmarshal: %w", err)
	}
	return nil
}
