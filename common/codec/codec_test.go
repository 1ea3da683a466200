package codec

import (
	randv1 "math/rand"
	randv2 "math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const orderTag = "github.com/ikenchina/sagastream/common/codec.order"

type order struct {
	Amount int `json:"amount"`
}

func TestJSONCodec(t *testing.T) {
	c := NewJSONCodec()

	data, err := c.Encode(order{Amount: 100})
	require.NoError(t, err)
	require.Equal(t, `{"amount":100}`, data)

	var got order
	require.NoError(t, c.Decode(data, &got))
	require.Equal(t, 100, got.Amount)

	require.ErrorIs(t, c.Decode(data, got), ErrDecode)
	require.ErrorIs(t, c.Decode("{", &got), ErrDecode)

	_, err = c.Encode(make(chan int))
	require.ErrorIs(t, err, ErrEncode)
}

func TestTypeName(t *testing.T) {
	c := NewJSONCodec()
	require.Equal(t, orderTag, c.TypeName(order{}))
	require.Equal(t, orderTag, c.TypeName(&order{}))
	require.Equal(t, TypeOf[order](), c.TypeName(order{}))
	require.Equal(t, "string", TypeOf[string]())
	require.Equal(t, "[]codec.order", TypeOf[[]order]())
	require.Equal(t, "", c.TypeName(nil))
}

func TestTypeNameSameShortName(t *testing.T) {
	// both print as rand.Rand
	v1, v2 := TypeOf[randv1.Rand](), TypeOf[randv2.Rand]()
	require.Equal(t, "math/rand.Rand", v1)
	require.Equal(t, "math/rand/v2.Rand", v2)
	require.NotEqual(t, v1, v2)
}

func TestProtoCodec(t *testing.T) {
	c := NewProtoCodec()

	msg, err := structpb.NewStruct(map[string]any{"reserved": 100.0})
	require.NoError(t, err)

	data, err := c.Encode(msg)
	require.NoError(t, err)

	got := &structpb.Struct{}
	require.NoError(t, c.Decode(data, got))
	require.True(t, proto.Equal(msg, got))
	require.Equal(t, "google.protobuf.Struct", c.TypeName(msg))

	// wrong message type in the envelope
	require.ErrorIs(t, c.Decode(data, &wrapperspb.StringValue{}), ErrDecode)
}

func TestProtoCodecFallback(t *testing.T) {
	c := NewProtoCodec()
	data, err := c.Encode(order{Amount: 7})
	require.NoError(t, err)
	var got order
	require.NoError(t, c.Decode(data, &got))
	require.Equal(t, 7, got.Amount)
	require.Equal(t, orderTag, c.TypeName(got))
}
