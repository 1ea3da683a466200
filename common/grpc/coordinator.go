package sgrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ikenchina/sagastream/define"
)

const coordinatorServiceName = "sagastream.Coordinator"

// CoordinatorServer is the server API of the coordinator gRPC service.
type CoordinatorServer interface {
	Start(context.Context, *define.StartRequest) (*define.StartResponse, error)
	Join(context.Context, *define.JoinRequest) (*define.TxnResponse, error)
	Commit(context.Context, *define.CommitRequest) (*define.TxnResponse, error)
	Rollback(context.Context, *define.RollbackRequest) (*define.TxnResponse, error)
	Get(context.Context, *define.TxnRequest) (*define.TxnResponse, error)
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Start", CoordinatorServer.Start),
		unaryMethod("Join", CoordinatorServer.Join),
		unaryMethod("Commit", CoordinatorServer.Commit),
		unaryMethod("Rollback", CoordinatorServer.Rollback),
		unaryMethod("Get", CoordinatorServer.Get),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sagastream/coordinator",
}

func fullMethod(name string) string {
	return "/" + coordinatorServiceName + "/" + name
}

func unaryMethod[Req any, Resp any](name string,
	call func(CoordinatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error,
			interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoordinatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(CoordinatorServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// CoordinatorClient is the client API of the coordinator gRPC service.
type CoordinatorClient interface {
	Start(ctx context.Context, in *define.StartRequest, opts ...grpc.CallOption) (*define.StartResponse, error)
	Join(ctx context.Context, in *define.JoinRequest, opts ...grpc.CallOption) (*define.TxnResponse, error)
	Commit(ctx context.Context, in *define.CommitRequest, opts ...grpc.CallOption) (*define.TxnResponse, error)
	Rollback(ctx context.Context, in *define.RollbackRequest, opts ...grpc.CallOption) (*define.TxnResponse, error)
	Get(ctx context.Context, in *define.TxnRequest, opts ...grpc.CallOption) (*define.TxnResponse, error)
}

type coordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) CoordinatorClient {
	return &coordinatorClient{cc}
}

func invoke[Req any, Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string,
	in *Req, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	err := cc.Invoke(ctx, fullMethod(name), in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) Start(ctx context.Context, in *define.StartRequest, opts ...grpc.CallOption) (*define.StartResponse, error) {
	return invoke[define.StartRequest, define.StartResponse](ctx, c.cc, "Start", in, opts...)
}

func (c *coordinatorClient) Join(ctx context.Context, in *define.JoinRequest, opts ...grpc.CallOption) (*define.TxnResponse, error) {
	return invoke[define.JoinRequest, define.TxnResponse](ctx, c.cc, "Join", in, opts...)
}

func (c *coordinatorClient) Commit(ctx context.Context, in *define.CommitRequest, opts ...grpc.CallOption) (*define.TxnResponse, error) {
	return invoke[define.CommitRequest, define.TxnResponse](ctx, c.cc, "Commit", in, opts...)
}

func (c *coordinatorClient) Rollback(ctx context.Context, in *define.RollbackRequest, opts ...grpc.CallOption) (*define.TxnResponse, error) {
	return invoke[define.RollbackRequest, define.TxnResponse](ctx, c.cc, "Rollback", in, opts...)
}

func (c *coordinatorClient) Get(ctx context.Context, in *define.TxnRequest, opts ...grpc.CallOption) (*define.TxnResponse, error) {
	return invoke[define.TxnRequest, define.TxnResponse](ctx, c.cc, "Get", in, opts...)
}
