package edlpbv1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const codecName = "edlpb-json"

// jsonCodec lets the Agent service exchange the plain structs in
// messages.go over grpc without protoc-generated proto.Message
// implementations. Clients select it with grpc.CallContentSubtype(codecName);
// the server is configured to prefer it via ForceServerCodec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("edlpb: unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ServerOption configures a grpc.Server to encode every Agent RPC with the
// JSON codec, matching what NewAgentClient selects per call.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(jsonCodec{})
}
