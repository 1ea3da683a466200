package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/ikenchina/sagastream/common/codec"
	"github.com/ikenchina/sagastream/define"
)

var (
	ErrInvalidServer = errors.New("invalid coordinator address")
)

// Error is returned when the coordinator refuses a request.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("coordinator error : code(%d), %s", e.Code, e.Msg)
}

// Client is a remote participant of transactions coordinated by a node.
type Client interface {
	Start(ctx context.Context, req *define.StartRequest) (string, error)
	Join(ctx context.Context, req *define.JoinRequest) error
	Commit(ctx context.Context, req *define.CommitRequest) error
	Rollback(ctx context.Context, req *define.RollbackRequest) error
	Get(ctx context.Context, txnId string) (*define.TxnResponse, error)
}

// Event encodes v with c into the type tag and payload of a request.
func Event(c codec.Codec, v any) (eventType string, event string, err error) {
	if v == nil {
		return "", "", nil
	}
	event, err = c.Encode(v)
	if err != nil {
		return "", "", err
	}
	return c.TypeName(v), event, nil
}

// Transaction starts a transaction with undo and runs body. The transaction
// is committed when body succeeds and rolled back with the error of body
// otherwise.
func Transaction(ctx context.Context, cli Client, undo string,
	body func(ctx context.Context, txnId string) error) (string, error) {
	txnId, err := cli.Start(ctx, &define.StartRequest{Undo: undo})
	if err != nil {
		return "", err
	}

	if err = body(ctx, txnId); err != nil {
		rerr := cli.Rollback(ctx, &define.RollbackRequest{TxnId: txnId, Cause: err.Error()})
		if rerr != nil {
			return txnId, fmt.Errorf("%w, rollback : %v", err, rerr)
		}
		return txnId, err
	}
	return txnId, cli.Commit(ctx, &define.CommitRequest{TxnId: txnId})
}
