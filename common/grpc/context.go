package sgrpc

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	logutil "github.com/ikenchina/sagastream/common/log"
)

const (
	GRPC_HEADER_TXN_ID     = "dtx-txn-id"
	GRPC_HEADER_NODE_GROUP = "dtx-node-group"
)

// ParseContextMeta returns the transaction id and the caller's node group
// sent by SetMetaFromOutgoingContext.
func ParseContextMeta(ctx context.Context) (txnId string, group string) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return
	}
	if ids := md.Get(GRPC_HEADER_TXN_ID); len(ids) > 0 {
		txnId = ids[0]
	}
	if groups := md.Get(GRPC_HEADER_NODE_GROUP); len(groups) > 0 {
		group = groups[0]
	}
	return
}

func SetMetaFromOutgoingContext(ctx context.Context, txnId string, group string) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.MD{}
	} else {
		md = md.Copy()
	}
	if txnId != "" {
		md.Set(GRPC_HEADER_TXN_ID, txnId)
	}
	if group != "" {
		md.Set(GRPC_HEADER_NODE_GROUP, group)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// UnaryServerLogger tags the logger of the request context with the
// transaction id and node group sent by the caller.
func UnaryServerLogger() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler) (interface{}, error) {
		txnId, group := ParseContextMeta(ctx)
		if txnId != "" {
			ctx = logutil.WithTransaction(ctx, txnId)
		}
		if group != "" {
			ctx = logutil.WithLogger(ctx, logutil.Logger(ctx).With(zap.String("group", group)))
		}
		return handler(ctx, req)
	}
}
