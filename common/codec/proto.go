package codec

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// protoCodec stores proto messages as a base64 anypb.Any envelope and
// falls back to JSON for every other value.
type protoCodec struct {
	fallback Codec
}

func NewProtoCodec() Codec {
	return protoCodec{fallback: NewJSONCodec()}
}

func (pc protoCodec) Encode(v any) (string, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return pc.fallback.Encode(v)
	}
	env, err := anypb.New(m)
	if err != nil {
		return "", fmt.Errorf("%w : %v", ErrEncode, err)
	}
	data, err := proto.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w : %v", ErrEncode, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (pc protoCodec) Decode(data string, out any) error {
	m, ok := out.(proto.Message)
	if !ok {
		return pc.fallback.Decode(data, out)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("%w : %v", ErrDecode, err)
	}
	env := &anypb.Any{}
	if err = proto.Unmarshal(raw, env); err != nil {
		return fmt.Errorf("%w : %v", ErrDecode, err)
	}
	if err = env.UnmarshalTo(m); err != nil {
		return fmt.Errorf("%w : %v", ErrDecode, err)
	}
	return nil
}

func (pc protoCodec) TypeName(v any) string {
	if m, ok := v.(proto.Message); ok {
		return string(m.ProtoReflect().Descriptor().FullName())
	}
	return pc.fallback.TypeName(v)
}
