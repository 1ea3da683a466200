package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/tc/app/model"
)

// flakyStream fails the first `failures` subscriptions, then delivers the
// queued events and blocks until the subscription is cancelled.
type flakyStream struct {
	model.Stream
	mu            sync.Mutex
	failures      int
	subscriptions int
	events        []model.Delivery
	deliver       func(model.Delivery)
}

func (s *flakyStream) Receive(ctx context.Context, group string, deliver func(model.Delivery)) error {
	s.mu.Lock()
	s.subscriptions++
	if s.subscriptions <= s.failures {
		s.mu.Unlock()
		return fmt.Errorf("connection reset %d", s.subscriptions)
	}
	events := s.events
	s.events = nil
	s.deliver = deliver
	s.mu.Unlock()

	for _, d := range events {
		deliver(d)
	}
	<-ctx.Done()
	return ctx.Err()
}

// push delivers through the current subscription, as a stream would after
// the listener was stopped.
func (s *flakyStream) push(d model.Delivery) {
	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	deliver(d)
}

type recordDispatcher struct {
	mu       sync.Mutex
	received []string
	perTxn   map[string][]string
	delay    time.Duration
	err      error
	frozen   int32
}

func (d *recordDispatcher) Freeze() {
	atomic.StoreInt32(&d.frozen, 1)
}

func (d *recordDispatcher) Dispatch(ctx context.Context, txn *define.Transaction, messageId string) error {
	time.Sleep(d.delay)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, messageId)
	if d.perTxn == nil {
		d.perTxn = make(map[string][]string)
	}
	d.perTxn[txn.Id] = append(d.perTxn[txn.Id], messageId)
	return d.err
}

func (d *recordDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func delivery(txnId string, i int) model.Delivery {
	return model.Delivery{
		Transaction: &define.Transaction{Id: txnId, State: define.TxnStateJoin},
		MessageId:   fmt.Sprintf("%s-%d", txnId, i),
	}
}

func TestListenerSuite(t *testing.T) {
	suite.Run(t, new(listenerSuite))
}

type listenerSuite struct {
	suite.Suite
}

func (s *listenerSuite) TestResubscribe() {
	stream := &flakyStream{failures: 3}
	for i := 0; i < 5; i++ {
		stream.events = append(stream.events, delivery("txn", i))
	}
	d := &recordDispatcher{err: errors.New("dispatch errors are swallowed")}
	l := NewListener("order", stream, d, Config{
		Concurrency:         2,
		ResubscribeInterval: time.Millisecond,
		ResubscribeBurst:    3,
	})
	s.Nil(l.Start())
	s.Equal(int32(1), atomic.LoadInt32(&d.frozen))

	s.Eventually(func() bool { return d.count() == 5 }, 2*time.Second, 5*time.Millisecond)
	s.Equal(int64(3), l.Resubscribes())

	s.Nil(l.Stop())
	s.True(l.Closed())

	stream.push(delivery("txn", 5))
	time.Sleep(20 * time.Millisecond)
	s.Equal(5, d.count())
	s.Equal(int64(3), l.Resubscribes())
}

func (s *listenerSuite) TestOrderPerTransaction() {
	stream := &flakyStream{}
	for i := 0; i < 20; i++ {
		stream.events = append(stream.events, delivery(fmt.Sprintf("txn-%d", i%4), i))
	}
	d := &recordDispatcher{}
	l := NewListener("order", stream, d, Config{Concurrency: 3, BackpressureSize: 64})
	s.Nil(l.Start())
	s.Eventually(func() bool { return d.count() == 20 }, 2*time.Second, 5*time.Millisecond)
	s.Nil(l.Stop())

	for txn, ids := range d.perTxn {
		expected := []string{}
		for i := 0; i < 20; i++ {
			if fmt.Sprintf("txn-%d", i%4) == txn {
				expected = append(expected, fmt.Sprintf("%s-%d", txn, i))
			}
		}
		s.Equal(expected, ids, txn)
	}
}

func (s *listenerSuite) TestStopWaitsInFlight() {
	stream := &flakyStream{}
	stream.events = []model.Delivery{delivery("txn", 0)}
	d := &recordDispatcher{delay: 100 * time.Millisecond}
	l := NewListener("order", stream, d, Config{Concurrency: 1})
	s.Nil(l.Start())

	time.Sleep(30 * time.Millisecond)
	s.Nil(l.Stop())
	s.Equal(1, d.count())
	s.Nil(l.Stop())
}

func (s *listenerSuite) TestDropOldest() {
	var dropped []string
	b := newDropOldestBuffer(2, func(d model.Delivery) {
		dropped = append(dropped, d.MessageId)
	})
	for i := 0; i < 4; i++ {
		b.Push(delivery("txn", i))
	}
	s.Equal([]string{"txn-0", "txn-1"}, dropped)
	s.Equal(2, b.Len())

	ctx := context.Background()
	d, ok := b.Pop(ctx)
	s.True(ok)
	s.Equal("txn-2", d.MessageId)
	d, ok = b.Pop(ctx)
	s.True(ok)
	s.Equal("txn-3", d.MessageId)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, ok = b.Pop(ctx)
	s.False(ok)

	b.Push(delivery("txn", 4))
	b.Close()
	_, ok = b.Pop(context.Background())
	s.False(ok)
	b.Push(delivery("txn", 5))
	s.Equal(0, b.Len())
}

func (s *listenerSuite) TestSlowConsumerDrops() {
	stream := &flakyStream{}
	for i := 0; i < 50; i++ {
		stream.events = append(stream.events, delivery("txn", i))
	}
	d := &recordDispatcher{delay: 5 * time.Millisecond}
	l := NewListener("order", stream, d, Config{Concurrency: 1, BackpressureSize: 4})
	s.Nil(l.Start())

	// the last event always survives, older ones may be dropped
	s.Eventually(func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		n := len(d.received)
		return n > 0 && d.received[n-1] == "txn-49"
	}, 2*time.Second, 5*time.Millisecond)
	s.Nil(l.Stop())
	s.Less(d.count(), 50)
}
