// Package grpcclient is the concrete agentserver.AgentServer adapter: it
// speaks gRPC to the orchestrator over a plain bidirectional-unary contract
// (spec.md treats the wire protocol as out of scope, so no .proto-generated
// service client exists to bind to). Requests and responses are ordinary Go
// structs carried by a JSON codec registered on the channel, rather than
// protobuf messages — the same grpc.ClientConn.Invoke plumbing a generated
// stub would use, without fabricating the stub itself.
package grpcclient

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered once via encoding.RegisterCodec; Client selects
// the codec for every call on a connection with
// grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})) at dial time.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements grpc/encoding's Codec interface (Marshal, Unmarshal,
// Name) using encoding/json instead of protobuf wire encoding.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpcclient: marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcclient: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
