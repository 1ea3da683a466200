package orchestrate

import (
	"context"

	"github.com/ikenchina/sagastream/common/codec"
)

// Command is the business logic of one step. It may read and write octx,
// the written values reach the following steps.
type Command[T any, V any] func(ctx context.Context, request T, octx *Context) (V, error)

// RollbackCommand compensates a step that was executed with request.
type RollbackCommand[T any] func(ctx context.Context, request T, octx *Context) error

type stepKind int

const (
	kindStart stepKind = iota
	kindJoin
	kindCommit
)

func (k stepKind) String() string {
	switch k {
	case kindStart:
		return "start"
	case kindJoin:
		return "join"
	}
	return "commit"
}

// passthrough is a response that is already encoded.
type passthrough string

// Step is a type erased Command, created with NewStep or
// NewRollbackableStep.
type Step struct {
	command  func(ctx context.Context, c codec.Codec, request string, octx *Context) (any, error)
	rollback func(ctx context.Context, c codec.Codec, request string, octx *Context) error
}

func (s Step) rollbackable() bool {
	return s.rollback != nil
}

func NewStep[T any, V any](cmd Command[T, V]) Step {
	return Step{
		command: func(ctx context.Context, c codec.Codec, request string, octx *Context) (any, error) {
			req, err := codec.DecodeAs[T](c, request)
			if err != nil {
				return nil, err
			}
			return cmd(ctx, req, octx)
		},
	}
}

// NewRollbackableStep returns a step whose request is held while the
// transaction runs so that rollback can compensate it.
func NewRollbackableStep[T any, V any](cmd Command[T, V], rollback RollbackCommand[T]) Step {
	s := NewStep(cmd)
	s.rollback = func(ctx context.Context, c codec.Codec, request string, octx *Context) error {
		req, err := codec.DecodeAs[T](c, request)
		if err != nil {
			return err
		}
		return rollback(ctx, req, octx)
	}
	return s
}

func identityStep() Step {
	return Step{
		command: func(ctx context.Context, c codec.Codec, request string, octx *Context) (any, error) {
			return passthrough(request), nil
		},
	}
}

func encodeResponse(c codec.Codec, response any) (string, error) {
	if p, ok := response.(passthrough); ok {
		return string(p), nil
	}
	return c.Encode(response)
}
