package sgrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype of messages encoded with jsonCodec.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Dial connects to a coordinator. Calls on the connection use the JSON codec.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	return grpc.NewClient(target, opts...)
}

// jsonCodec lets plain structs travel over gRPC.
type jsonCodec struct {
}

func (c jsonCodec) Name() string {
	return CodecName
}

func (c jsonCodec) Marshal(v interface{}) ([]byte, error) {
	switch vv := v.(type) {
	case []byte:
		return vv, nil
	case *[]byte:
		return *vv, nil
	}
	return json.Marshal(v)
}

func (c jsonCodec) Unmarshal(data []byte, v interface{}) error {
	switch vv := v.(type) {
	case *[]byte:
		*vv = data
		return nil
	case nil:
		return fmt.Errorf("unmarshal into nil")
	}
	return json.Unmarshal(data, v)
}
