package transports

import (
	"encoding/json"

	"github.com/SouthPatron/reasonchip/errors"
)

// The gRPC binding carries the same JSON packet record as every other
// transport. There is no generated protobuf layer: the stream method is
// described by a hand-written ServiceDesc and messages are marshalled
// with this codec.

const grpcServiceName = "reasonchip.v1.ReasonChipService"
const grpcStreamMethod = "/" + grpcServiceName + "/Stream"

// jsonCodec marshals stream messages as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "grpc json codec marshal failed")
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "grpc json codec unmarshal failed")
	}
	return nil
}

func (jsonCodec) Name() string {
	return "reasonchip-json"
}
