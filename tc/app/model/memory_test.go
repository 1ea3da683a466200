package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ikenchina/sagastream/define"
)

func TestMemoryMaxLen(t *testing.T) {
	store := NewMemoryStorage(WithMaxLen(2)).(*memoryStorage)
	for i := 0; i < 5; i++ {
		_, err := store.Append(context.Background(), &define.Transaction{Id: "t", State: define.TxnStateJoin})
		require.Nil(t, err)
	}
	require.Equal(t, 2, store.log.Len())
	minId, _, ok := store.log.Min()
	require.True(t, ok)
	require.Equal(t, int64(4), minId)
}

func TestMemoryClaimTimeout(t *testing.T) {
	store := NewMemoryStorage(WithClaimTimeout(50 * time.Millisecond))
	_, err := store.Append(context.Background(), &define.Transaction{Id: "t", State: define.TxnStateJoin})
	require.Nil(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	deliveries := make(chan Delivery, 8)
	go func() {
		_ = store.Receive(ctx, "g", func(d Delivery) {
			deliveries <- d
		})
	}()

	first := <-deliveries
	// not acked, so the same subscription sees it again
	second := <-deliveries
	require.Equal(t, first.MessageId, second.MessageId)
	require.Nil(t, store.Ack(context.Background(), "g", second.MessageId))
	require.Equal(t, 0, store.(*memoryStorage).Pending("g"))
}

func TestMemoryClosed(t *testing.T) {
	store := NewMemoryStorage()
	done := make(chan error, 1)
	go func() {
		done <- store.Receive(context.Background(), "g", func(Delivery) {})
	}()
	time.Sleep(20 * time.Millisecond)
	require.Nil(t, store.Close())
	require.ErrorIs(t, <-done, ErrStreamClosed)

	_, err := store.Append(context.Background(), &define.Transaction{Id: "t"})
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestJanitor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.Nil(t, store.Transit(ctx, "t", define.TxnStateStart, nil))
	require.Nil(t, store.SetUndo(ctx, "t", "order", "undo"))
	require.Nil(t, store.Transit(ctx, "t", define.TxnStateRollback, nil))

	j := NewJanitor(store, 40*time.Millisecond)
	require.Nil(t, j.Start())
	defer func() { _ = j.Stop() }()

	require.Eventually(t, func() bool {
		_, err := store.GetState(ctx, "t")
		return err == ErrNotExist
	}, 2*time.Second, 10*time.Millisecond)
	_, err := store.GetUndo(ctx, "t", "order")
	require.ErrorIs(t, err, ErrUndoNotFound)
}
