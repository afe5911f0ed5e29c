package foldgrpc

import (
	"context"
	"fmt"

	"github.com/blockberries/statefold/types"

	"google.golang.org/grpc"
)

const serviceName = "github.com/blockberries/statefold.v1.ChainService"

// ChainServiceServer is the server-side interface for the chain access
// gRPC service.
type ChainServiceServer interface {
	Head(context.Context, *HeadRequest) (*HeadResponse, error)
	HeaderByHash(context.Context, *HeaderByHashRequest) (*HeaderResponse, error)
	HeaderByNumber(context.Context, *HeaderByNumberRequest) (*HeaderResponse, error)
	Logs(context.Context, *LogsRequest) (*types.EventBatch, error)
	NewHeads(*NewHeadsRequest, grpc.ServerStream) error
}

// RegisterChainServiceServer registers the ChainServiceServer on a
// gRPC server.
func RegisterChainServiceServer(s *grpc.Server, srv ChainServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// --- Handler functions ---

func handlerHead(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(HeadRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(ChainServiceServer).Head(ctx, req)
}

func handlerHeaderByHash(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(HeaderByHashRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(ChainServiceServer).HeaderByHash(ctx, req)
}

func handlerHeaderByNumber(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(HeaderByNumberRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(ChainServiceServer).HeaderByNumber(ctx, req)
}

func handlerLogs(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(LogsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(ChainServiceServer).Logs(ctx, req)
}

func handlerNewHeads(srv any, stream grpc.ServerStream) error {
	req := new(NewHeadsRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ChainServiceServer).NewHeads(req, stream)
}

// fullMethod builds the full gRPC method path.
func fullMethod(method string) string {
	return fmt.Sprintf("/%s/%s", serviceName, method)
}

// serviceDesc is the manual gRPC service descriptor for chain access.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ChainServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Head", Handler: handlerHead},
		{MethodName: "HeaderByHash", Handler: handlerHeaderByHash},
		{MethodName: "HeaderByNumber", Handler: handlerHeaderByNumber},
		{MethodName: "Logs", Handler: handlerLogs},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "NewHeads",
			Handler:       handlerNewHeads,
			ServerStreams: true,
			ClientStreams: false,
		},
	},
	Metadata: "github.com/blockberries/statefold/v1/chain.cram",
}
