package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ikenchina/sagastream/common/codec"
	"github.com/ikenchina/sagastream/define"
)

var (
	ErrRegistryFrozen = errors.New("registry is frozen")
	ErrUnmappedState  = errors.New("cannot find matched transaction event")
)

// HandleFunc handles one transaction event.
type HandleFunc func(ctx context.Context, event TransactionEvent) error

type Kind int

const (
	// KindAsync handlers are awaited before the message is acknowledged.
	KindAsync Kind = iota
	// KindSync handlers run inline after the async ones; their result is
	// discarded.
	KindSync
)

type handler struct {
	state     string
	eventType string
	owner     string
	kind      Kind
	fn        HandleFunc
}

type RegisterOption func(*handler)

func Sync() RegisterOption {
	return func(h *handler) {
		h.kind = KindSync
	}
}

// ForType restricts the handler to events whose payload type tag is
// eventType.
func ForType(eventType string) RegisterOption {
	return func(h *handler) {
		h.eventType = eventType
	}
}

// Owner names the component a handler belongs to, used in logs.
func Owner(name string) RegisterOption {
	return func(h *handler) {
		h.owner = name
	}
}

// Registry indexes handlers by transaction state. It is written during
// startup and read without locking once frozen.
type Registry struct {
	mu       sync.Mutex
	frozen   atomic.Bool
	codec    codec.Codec
	handlers map[string][]*handler
}

func NewRegistry(cdc codec.Codec) *Registry {
	return &Registry{
		codec:    cdc,
		handlers: make(map[string][]*handler),
	}
}

func (r *Registry) Codec() codec.Codec {
	return r.codec
}

func (r *Registry) Register(state string, fn HandleFunc, opts ...RegisterOption) error {
	if !define.ValidState(state) {
		return fmt.Errorf("%w : %s", ErrUnmappedState, state)
	}
	h := &handler{
		state: state,
		kind:  KindAsync,
		fn:    fn,
	}
	for _, opt := range opts {
		opt(h)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	r.handlers[state] = append(r.handlers[state], h)
	return nil
}

// Handle registers fn for events whose payload is a T. The payload is
// decoded before fn is called.
func Handle[T any](r *Registry, state string,
	fn func(ctx context.Context, event TransactionEvent, payload T) error, opts ...RegisterOption) error {
	var zero T
	opts = append(opts, ForType(r.codec.TypeName(zero)))
	return r.Register(state, func(ctx context.Context, event TransactionEvent) error {
		if len(event.Event()) == 0 {
			return ErrNoEvent
		}
		payload, err := codec.DecodeAs[T](r.codec, event.Event())
		if err != nil {
			return err
		}
		return fn(ctx, event, payload)
	}, opts...)
}

// Freeze stops further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Len(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[state])
}

// match returns the handlers of state that accept eventType, split by kind
// and in registration order.
func (r *Registry) match(state, eventType string) (async []*handler, inline []*handler) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	for _, h := range r.handlers[state] {
		if h.eventType != "" && h.eventType != eventType {
			continue
		}
		if h.kind == KindSync {
			inline = append(inline, h)
		} else {
			async = append(async, h)
		}
	}
	return
}
