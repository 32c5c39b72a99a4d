package grpc

import (
	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content subtype of the kernel service.
const CodecName = "capkernel"

// codec marshals protobuf messages with proto and everything else as JSON.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return sonic.ConfigStd.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return sonic.ConfigStd.Unmarshal(data, v)
}

func (codec) Name() string { return CodecName }
