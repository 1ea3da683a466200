package model

import (
	"context"
	"errors"
	"time"

	"github.com/ikenchina/sagastream/common/metrics"
	"github.com/ikenchina/sagastream/define"
)

var (
	ErrNotExist      = errors.New("not exist")
	ErrUndoNotFound  = errors.New("undo not found")
	ErrAckFailed     = errors.New("acknowledge failed")
	ErrTerminated    = errors.New("transaction is terminated")
	ErrInvalidMsgId  = errors.New("invalid message id")
	ErrStreamClosed  = errors.New("stream closed")
	ErrUnknownDriver = errors.New("unknown driver")
)

var (
	modelTimer = metrics.NewTimer(define.MetricsNamespace, "tc", "model", "model timer", []string{"store", "op", "ret"})
)

// Delivery is a record handed to a consumer group together with the id it
// must be acknowledged with.
type Delivery struct {
	Transaction *define.Transaction
	MessageId   string
}

// Stream is an append-only transaction log with consumer groups.
// Delivery is at least once: a message that is not acknowledged is
// delivered again.
type Stream interface {
	Append(ctx context.Context, txn *define.Transaction) (string, error)

	// Receive delivers pending then new records of the group to deliver, in
	// log order, until ctx is done or the subscription fails. It always
	// returns a non nil error.
	Receive(ctx context.Context, group string, deliver func(Delivery)) error

	Ack(ctx context.Context, group string, messageId string) error
}

// UndoStore keeps the compensating payload of a node group per transaction.
type UndoStore interface {
	SetUndo(ctx context.Context, txnId, nodeGroup, undo string) error
	// SetUndoIfAbsent stores undo unless a payload is already stored.
	SetUndoIfAbsent(ctx context.Context, txnId, nodeGroup, undo string) error
	GetUndo(ctx context.Context, txnId, nodeGroup string) (string, error)
	DeleteUndo(ctx context.Context, txnId, nodeGroup string) error
}

// StateStore tracks the latest state of every transaction.
type StateStore interface {
	GetState(ctx context.Context, txnId string) (string, error)

	// Transit moves txnId to state. cb is called with the current state
	// ("" when the transaction is unknown) and aborts the transition when it
	// returns an error.
	Transit(ctx context.Context, txnId string, state string, cb func(old string) error) error

	// Purge removes transactions that reached COMMIT or ROLLBACK before
	// deadline, with the undo of every node group, and returns how many
	// were removed.
	Purge(ctx context.Context, deadline time.Time) (int, error)
}

type Storage interface {
	Stream
	UndoStore
	StateStore
	Close() error
}

type options struct {
	claimTimeout time.Duration
	pollRate     int
	batchSize    int
	maxLen       int
	autoMigrate  bool
}

func defaultOptions() options {
	return options{
		claimTimeout: 30 * time.Second,
		pollRate:     20,
		batchSize:    64,
	}
}

type Option func(*options)

// WithClaimTimeout sets how long a delivered message may stay unacknowledged
// before it is delivered again.
func WithClaimTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.claimTimeout = d
		}
	}
}

// WithPollRate bounds the number of polls per second of a postgres consumer.
func WithPollRate(rate int) Option {
	return func(o *options) {
		if rate > 0 {
			o.pollRate = rate
		}
	}
}

func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithMaxLen trims the oldest records of a memory stream beyond n.
func WithMaxLen(n int) Option {
	return func(o *options) {
		o.maxLen = n
	}
}

func WithAutoMigrate(b bool) Option {
	return func(o *options) {
		o.autoMigrate = b
	}
}

// NewStorage opens the storage named by driver: "memory" or "postgresql".
func NewStorage(driver string, dsn string, timeout time.Duration,
	maxConn int, maxIdleConn int, opts ...Option) (Storage, error) {
	switch driver {
	case "memory", "":
		return NewMemoryStorage(opts...), nil
	case "postgresql":
		return NewPostgresStorage(dsn, timeout, maxConn, maxIdleConn, opts...)
	}
	return nil, ErrUnknownDriver
}
