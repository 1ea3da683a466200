package client

import (
	"context"

	"google.golang.org/grpc"

	sgrpc "github.com/ikenchina/sagastream/common/grpc"
	"github.com/ikenchina/sagastream/define"
)

// GrpcClient talks to the coordinator gRPC service of a node.
type GrpcClient struct {
	conn   *grpc.ClientConn
	client sgrpc.CoordinatorClient
	group  string
}

func NewGrpcClient(target string, group string, opts ...grpc.DialOption) (*GrpcClient, error) {
	conn, err := sgrpc.Dial(target, opts...)
	if err != nil {
		return nil, err
	}
	return &GrpcClient{
		conn:   conn,
		client: sgrpc.NewCoordinatorClient(conn),
		group:  group,
	}, nil
}

func (cli *GrpcClient) Close() error {
	return cli.conn.Close()
}

func (cli *GrpcClient) outgoing(ctx context.Context, txnId string) context.Context {
	return sgrpc.SetMetaFromOutgoingContext(ctx, txnId, cli.group)
}

func (cli *GrpcClient) Start(ctx context.Context, req *define.StartRequest) (string, error) {
	resp, err := cli.client.Start(cli.outgoing(ctx, ""), req)
	if err != nil {
		return "", err
	}
	return resp.TxnId, nil
}

func (cli *GrpcClient) Join(ctx context.Context, req *define.JoinRequest) error {
	_, err := cli.client.Join(cli.outgoing(ctx, req.TxnId), req)
	return err
}

func (cli *GrpcClient) Commit(ctx context.Context, req *define.CommitRequest) error {
	_, err := cli.client.Commit(cli.outgoing(ctx, req.TxnId), req)
	return err
}

func (cli *GrpcClient) Rollback(ctx context.Context, req *define.RollbackRequest) error {
	_, err := cli.client.Rollback(cli.outgoing(ctx, req.TxnId), req)
	return err
}

func (cli *GrpcClient) Get(ctx context.Context, txnId string) (*define.TxnResponse, error) {
	return cli.client.Get(cli.outgoing(ctx, txnId), &define.TxnRequest{TxnId: txnId})
}
