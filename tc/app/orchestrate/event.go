package orchestrate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ikenchina/sagastream/common/codec"
)

var ErrContextKeyNotFound = errors.New("context key not found")

// OrchestrateEvent chains the steps of one orchestrator. It is the event
// payload of every record an orchestrator appends.
type OrchestrateEvent struct {
	OrchestratorId      string
	OrchestrateSequence int
	// ClientEvent is the encoded request of the step at OrchestrateSequence.
	ClientEvent string
	// Context is the encoded Context.
	Context string `json:",omitempty"`
}

func (oe *OrchestrateEvent) matches(orchestratorId string, sequence int) bool {
	return oe.OrchestratorId == orchestratorId && oe.OrchestrateSequence == sequence
}

// Context is a key/value bag travelling with an orchestration from step to
// step. Values are stored encoded.
type Context struct {
	mu     sync.RWMutex
	codec  codec.Codec
	values map[string]string
}

func NewContext(cdc codec.Codec) *Context {
	return &Context{
		codec:  cdc,
		values: make(map[string]string),
	}
}

func decodeContext(cdc codec.Codec, data string) (*Context, error) {
	c := NewContext(cdc)
	if data == "" {
		return c, nil
	}
	if err := cdc.Decode(data, &c.values); err != nil {
		return nil, fmt.Errorf("decode orchestrate context : %w", err)
	}
	return c, nil
}

func (c *Context) Set(key string, value any) error {
	data, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.values[key] = data
	c.mu.Unlock()
	return nil
}

func (c *Context) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key]
	return ok
}

func (c *Context) Decode(key string, out any) error {
	c.mu.RLock()
	data, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w : %s", ErrContextKeyNotFound, key)
	}
	return c.codec.Decode(data, out)
}

func (c *Context) encode() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.values) == 0 {
		return "", nil
	}
	return c.codec.Encode(c.values)
}

// ContextValue decodes the value stored under key as a T.
func ContextValue[T any](c *Context, key string) (T, error) {
	c.mu.RLock()
	data, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w : %s", ErrContextKeyNotFound, key)
	}
	return codec.DecodeAs[T](c.codec, data)
}
