// Package codec turns event payloads into the transport-neutral strings
// stored in the transaction log, and back.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrEncode = errors.New("encode failed")
	ErrDecode = errors.New("decode failed")
)

// Codec must round-trip every payload written to the log.
type Codec interface {
	Encode(v any) (string, error)
	// Decode fills out, which must be a non-nil pointer.
	Decode(data string, out any) error
	// TypeName returns the tag stored next to an encoded payload so that
	// handlers can be filtered by payload type without decoding.
	TypeName(v any) string
}

// TypeOf returns the type tag of T as produced by TypeName.
func TypeOf[T any]() string {
	return typeName(reflect.TypeOf((*T)(nil)).Elem())
}

// DecodeAs decodes data into a new T. Pointer types are allocated first so
// that proto messages reach the proto path of a codec.
func DecodeAs[T any](c Codec, data string) (T, error) {
	var out T
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Ptr {
		out = reflect.New(t.Elem()).Interface().(T)
		return out, c.Decode(data, out)
	}
	err := c.Decode(data, &out)
	return out, err
}

// typeName qualifies named types with their full import path, so that
// model.Order from two modules never share a tag.
func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

type jsonCodec struct{}

func NewJSONCodec() Codec {
	return jsonCodec{}
}

func (jsonCodec) Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w : %v", ErrEncode, err)
	}
	return string(data), nil
}

func (jsonCodec) Decode(data string, out any) error {
	if out == nil || reflect.ValueOf(out).Kind() != reflect.Ptr {
		return fmt.Errorf("%w : out must be a pointer, got %T", ErrDecode, out)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("%w : %v", ErrDecode, err)
	}
	return nil
}

func (jsonCodec) TypeName(v any) string {
	return typeName(reflect.TypeOf(v))
}
