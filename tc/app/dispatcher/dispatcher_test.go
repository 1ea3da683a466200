package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/sagastream/common/codec"
	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/tc/app/model"
)

type order struct {
	Amount int
}

type payment struct {
	Amount int
}

// ackStream records acknowledgements.
type ackStream struct {
	model.Stream
	mu    sync.Mutex
	acks  []string
	err   error
	onAck func()
}

func (s *ackStream) Ack(ctx context.Context, group string, messageId string) error {
	if s.onAck != nil {
		s.onAck()
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, group+"/"+messageId)
	return nil
}

func (s *ackStream) acked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.acks...)
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(dispatcherSuite))
}

type dispatcherSuite struct {
	suite.Suite
	codec    codec.Codec
	registry *Registry
	stream   *ackStream
	undo     model.Storage
	d        *Dispatcher
}

func (s *dispatcherSuite) SetupTest() {
	s.codec = codec.NewJSONCodec()
	s.registry = NewRegistry(s.codec)
	s.stream = &ackStream{}
	s.undo = model.NewMemoryStorage()
	s.d = NewDispatcher("order", s.registry, s.stream, s.undo)
}

func (s *dispatcherSuite) txn(state string, payload any) *define.Transaction {
	txn := &define.Transaction{
		Id:       "txn-1",
		ServerId: "server-1",
		Group:    "order",
		State:    state,
	}
	if payload != nil {
		event, err := s.codec.Encode(payload)
		s.Require().Nil(err)
		txn.Event = event
		txn.EventType = s.codec.TypeName(payload)
	}
	return txn
}

func (s *dispatcherSuite) TestNoHandler() {
	for _, state := range []string{define.TxnStateStart, define.TxnStateJoin,
		define.TxnStateCommit, define.TxnStateRollback} {
		s.Nil(s.d.Dispatch(context.Background(), s.txn(state, nil), state))
	}
	s.Equal([]string{"order/start", "order/join", "order/commit", "order/rollback"}, s.stream.acked())
}

func (s *dispatcherSuite) TestTypedMatching() {
	var untyped, orders, payments int32
	s.Nil(s.registry.Register(define.TxnStateJoin, func(ctx context.Context, e TransactionEvent) error {
		atomic.AddInt32(&untyped, 1)
		return nil
	}))
	s.Nil(Handle(s.registry, define.TxnStateJoin, func(ctx context.Context, e TransactionEvent, o order) error {
		s.Equal(100, o.Amount)
		atomic.AddInt32(&orders, 1)
		return nil
	}))
	s.Nil(Handle(s.registry, define.TxnStateJoin, func(ctx context.Context, e TransactionEvent, p *payment) error {
		atomic.AddInt32(&payments, 1)
		return nil
	}))
	s.registry.Freeze()

	s.Nil(s.d.Dispatch(context.Background(), s.txn(define.TxnStateJoin, order{Amount: 100}), "1"))
	s.Equal(int32(1), untyped)
	s.Equal(int32(1), orders)
	s.Equal(int32(0), payments)

	s.Nil(s.d.Dispatch(context.Background(), s.txn(define.TxnStateJoin, &payment{Amount: 1}), "2"))
	s.Equal(int32(2), untyped)
	s.Equal(int32(1), orders)
	s.Equal(int32(1), payments)

	// other states never reach join handlers
	s.Nil(s.d.Dispatch(context.Background(), s.txn(define.TxnStateCommit, order{}), "3"))
	s.Equal(int32(2), untyped)
	s.Equal([]string{"order/1", "order/2", "order/3"}, s.stream.acked())
}

func (s *dispatcherSuite) TestTypedMatchingByImportPath() {
	var orders int32
	s.Nil(Handle(s.registry, define.TxnStateJoin, func(ctx context.Context, e TransactionEvent, o order) error {
		atomic.AddInt32(&orders, 1)
		return nil
	}))
	s.registry.Freeze()
	s.Equal("github.com/ikenchina/sagastream/tc/app/dispatcher.order", codec.TypeOf[order]())

	// another module's dispatcher.order, and the short form of this one
	for i, tag := range []string{"example.com/shop/dispatcher.order", "dispatcher.order"} {
		txn := s.txn(define.TxnStateJoin, nil)
		txn.EventType = tag
		txn.Event = `{"Amount":5}`
		s.Nil(s.d.Dispatch(context.Background(), txn, strconv.Itoa(i)))
	}
	s.Equal(int32(0), orders)
	s.Equal([]string{"order/0", "order/1"}, s.stream.acked())

	s.Nil(s.d.Dispatch(context.Background(), s.txn(define.TxnStateJoin, order{Amount: 5}), "2"))
	s.Equal(int32(1), orders)
}

func (s *dispatcherSuite) TestAckAfterAsyncHandlers() {
	var finished int32
	for i := 0; i < 3; i++ {
		delay := time.Duration(i*20) * time.Millisecond
		s.Nil(s.registry.Register(define.TxnStateCommit, func(ctx context.Context, e TransactionEvent) error {
			time.Sleep(delay)
			atomic.AddInt32(&finished, 1)
			return nil
		}))
	}
	inlineRan := false
	s.Nil(s.registry.Register(define.TxnStateCommit, func(ctx context.Context, e TransactionEvent) error {
		s.Equal(int32(3), atomic.LoadInt32(&finished))
		inlineRan = true
		return errors.New("ignored")
	}, Sync()))

	s.stream.onAck = func() {
		s.Equal(int32(3), atomic.LoadInt32(&finished))
		s.True(inlineRan)
	}
	s.Nil(s.d.Dispatch(context.Background(), s.txn(define.TxnStateCommit, nil), "1"))
	s.Len(s.stream.acked(), 1)
}

func (s *dispatcherSuite) TestAsyncHandlerError() {
	cause := errors.New("handler failed")
	s.Nil(s.registry.Register(define.TxnStateStart, func(ctx context.Context, e TransactionEvent) error {
		return cause
	}))
	s.Nil(s.registry.Register(define.TxnStateStart, func(ctx context.Context, e TransactionEvent) error {
		panic("boom")
	}))

	err := s.d.Dispatch(context.Background(), s.txn(define.TxnStateStart, nil), "1")
	s.NotNil(err)
	s.Empty(s.stream.acked())
}

func (s *dispatcherSuite) TestSyncHandlerPanic() {
	s.Nil(s.registry.Register(define.TxnStateStart, func(ctx context.Context, e TransactionEvent) error {
		panic("boom")
	}, Sync(), Owner("panicky")))

	s.Nil(s.d.Dispatch(context.Background(), s.txn(define.TxnStateStart, nil), "1"))
	s.Len(s.stream.acked(), 1)
}

func (s *dispatcherSuite) TestRollbackUndo() {
	var got *TransactionRollbackEvent
	s.Nil(s.registry.Register(define.TxnStateRollback, func(ctx context.Context, e TransactionEvent) error {
		got = e.(*TransactionRollbackEvent)
		return nil
	}))
	s.Nil(s.undo.SetUndo(context.Background(), "txn-1", "order", "undo-1"))
	s.Nil(s.undo.SetUndo(context.Background(), "txn-1", "order", "undo-2"))
	s.Nil(s.undo.SetUndo(context.Background(), "txn-1", "payment", "other"))

	txn := s.txn(define.TxnStateRollback, nil)
	txn.Cause = "out of stock"
	s.Nil(s.d.Dispatch(context.Background(), txn, "1"))
	s.Require().NotNil(got)
	s.Equal("undo-2", got.Undo)
	s.Equal("out of stock", got.Cause)
	s.Equal("txn-1", got.TransactionId())
	s.Equal("server-1", got.ServerId())
	s.Len(s.stream.acked(), 1)

	// the undo of this group is released, other groups keep theirs
	_, err := s.undo.GetUndo(context.Background(), "txn-1", "order")
	s.ErrorIs(err, model.ErrUndoNotFound)
	undo, err := s.undo.GetUndo(context.Background(), "txn-1", "payment")
	s.Nil(err)
	s.Equal("other", undo)
}

func (s *dispatcherSuite) TestRollbackKeepsUndoWhenUnacked() {
	s.Nil(s.registry.Register(define.TxnStateRollback, func(ctx context.Context, e TransactionEvent) error {
		return errors.New("compensation failed")
	}))
	s.Nil(s.undo.SetUndo(context.Background(), "txn-1", "order", "undo-1"))

	s.NotNil(s.d.Dispatch(context.Background(), s.txn(define.TxnStateRollback, nil), "1"))
	undo, err := s.undo.GetUndo(context.Background(), "txn-1", "order")
	s.Nil(err)
	s.Equal("undo-1", undo)
}

func (s *dispatcherSuite) TestUndoNotFound() {
	called := false
	s.Nil(s.registry.Register(define.TxnStateRollback, func(ctx context.Context, e TransactionEvent) error {
		called = true
		return nil
	}))

	err := s.d.Dispatch(context.Background(), s.txn(define.TxnStateRollback, nil), "1")
	s.ErrorIs(err, model.ErrUndoNotFound)
	s.False(called)
	s.Empty(s.stream.acked())
}

func (s *dispatcherSuite) TestUnmappedState() {
	err := s.d.Dispatch(context.Background(), s.txn("prepared", nil), "1")
	s.ErrorIs(err, ErrUnmappedState)
	s.Empty(s.stream.acked())
}

func (s *dispatcherSuite) TestAckFailure() {
	s.stream.err = model.ErrAckFailed
	err := s.d.Dispatch(context.Background(), s.txn(define.TxnStateJoin, nil), "1")
	s.ErrorIs(err, ErrAckFailed)
}

func (s *dispatcherSuite) TestRegister() {
	noop := func(ctx context.Context, e TransactionEvent) error { return nil }
	s.ErrorIs(s.registry.Register("prepared", noop), ErrUnmappedState)
	s.Nil(s.registry.Register(define.TxnStateJoin, noop))
	s.Equal(1, s.registry.Len(define.TxnStateJoin))

	s.registry.Freeze()
	s.ErrorIs(s.registry.Register(define.TxnStateJoin, noop), ErrRegistryFrozen)
	s.Equal(1, s.registry.Len(define.TxnStateJoin))
}

func (s *dispatcherSuite) TestDecodeEvent() {
	var got order
	s.Nil(s.registry.Register(define.TxnStateStart, func(ctx context.Context, e TransactionEvent) error {
		return e.DecodeEvent(&got)
	}))
	s.Nil(s.d.Dispatch(context.Background(), s.txn(define.TxnStateStart, order{Amount: 7}), "1"))
	s.Equal(7, got.Amount)

	err := s.d.Dispatch(context.Background(), s.txn(define.TxnStateStart, nil), "2")
	s.ErrorIs(err, ErrNoEvent)
}
