package dispatcher

import (
	"errors"

	"github.com/ikenchina/sagastream/common/codec"
	"github.com/ikenchina/sagastream/define"
)

var ErrNoEvent = errors.New("transaction carries no event")

// TransactionEvent is what a handler receives for one transaction record.
// The concrete type is one of *TransactionStartEvent, *TransactionJoinEvent,
// *TransactionCommitEvent and *TransactionRollbackEvent.
type TransactionEvent interface {
	TransactionId() string
	ServerId() string
	Group() string
	State() string
	// EventType is the type tag of the payload, empty when there is none.
	EventType() string
	// Event is the encoded payload.
	Event() string
	// DecodeEvent decodes the payload into out.
	DecodeEvent(out any) error
}

type baseEvent struct {
	txn   *define.Transaction
	codec codec.Codec
}

func (e *baseEvent) TransactionId() string { return e.txn.Id }
func (e *baseEvent) ServerId() string      { return e.txn.ServerId }
func (e *baseEvent) Group() string         { return e.txn.Group }
func (e *baseEvent) State() string         { return e.txn.State }
func (e *baseEvent) EventType() string     { return e.txn.EventType }
func (e *baseEvent) Event() string         { return e.txn.Event }

func (e *baseEvent) DecodeEvent(out any) error {
	if len(e.txn.Event) == 0 {
		return ErrNoEvent
	}
	return e.codec.Decode(e.txn.Event, out)
}

type TransactionStartEvent struct {
	baseEvent
}

type TransactionJoinEvent struct {
	baseEvent
}

type TransactionCommitEvent struct {
	baseEvent
}

type TransactionRollbackEvent struct {
	baseEvent
	Cause string
	// Undo is the compensating payload this node group stored for the
	// transaction.
	Undo string
}

// DecodeUndo decodes Undo into out.
func (e *TransactionRollbackEvent) DecodeUndo(out any) error {
	return e.codec.Decode(e.Undo, out)
}
