package coordinator

import (
	"context"

	"google.golang.org/grpc/status"

	sgrpc "github.com/ikenchina/sagastream/common/grpc"
	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/define"
)

var _ sgrpc.CoordinatorServer = (*CoordinatorService)(nil)

// gRPC APIs

func (cs *CoordinatorService) enterGrpc() error {
	if !cs.acquire() {
		return status.Error(toGrpcStatusCode(ErrServiceClosed), ErrServiceClosed.Error())
	}
	return nil
}

func toGrpcError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(toGrpcStatusCode(err), err.Error())
}

func (cs *CoordinatorService) Start(ctx context.Context, req *define.StartRequest) (*define.StartResponse, error) {
	if err := cs.enterGrpc(); err != nil {
		return nil, err
	}
	defer cs.wait.Done()

	_, group := sgrpc.ParseContextMeta(ctx)
	resp, err := cs.start(ctx, group, req)
	if err != nil {
		logutil.Logger(ctx).Sugar().Errorf("start transaction, error(%v)", err)
		return nil, toGrpcError(err)
	}
	return resp, nil
}

func (cs *CoordinatorService) Join(ctx context.Context, req *define.JoinRequest) (*define.TxnResponse, error) {
	if err := cs.enterGrpc(); err != nil {
		return nil, err
	}
	defer cs.wait.Done()

	_, group := sgrpc.ParseContextMeta(ctx)
	if err := cs.join(ctx, group, req); err != nil {
		return nil, toGrpcError(err)
	}
	return &define.TxnResponse{TxnId: req.TxnId, State: define.TxnStateJoin}, nil
}

func (cs *CoordinatorService) Commit(ctx context.Context, req *define.CommitRequest) (*define.TxnResponse, error) {
	if err := cs.enterGrpc(); err != nil {
		return nil, err
	}
	defer cs.wait.Done()

	_, group := sgrpc.ParseContextMeta(ctx)
	if err := cs.commit(ctx, group, req); err != nil {
		return nil, toGrpcError(err)
	}
	return &define.TxnResponse{TxnId: req.TxnId, State: define.TxnStateCommit}, nil
}

func (cs *CoordinatorService) Rollback(ctx context.Context, req *define.RollbackRequest) (*define.TxnResponse, error) {
	if err := cs.enterGrpc(); err != nil {
		return nil, err
	}
	defer cs.wait.Done()

	_, group := sgrpc.ParseContextMeta(ctx)
	if err := cs.rollback(ctx, group, req); err != nil {
		return nil, toGrpcError(err)
	}
	return &define.TxnResponse{TxnId: req.TxnId, State: define.TxnStateRollback}, nil
}

func (cs *CoordinatorService) Get(ctx context.Context, req *define.TxnRequest) (*define.TxnResponse, error) {
	if err := cs.enterGrpc(); err != nil {
		return nil, err
	}
	defer cs.wait.Done()

	resp, err := cs.get(ctx, req.TxnId)
	if err != nil {
		return nil, toGrpcError(err)
	}
	return resp, nil
}
