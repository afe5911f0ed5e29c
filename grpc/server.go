package foldgrpc

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/types"
)

// Compile-time interface check.
var _ ChainServiceServer = (*Server)(nil)

// Server exposes a local chain accessor over gRPC. Domain types are
// serialized directly via cramberry, so no conversion layer is needed.
type Server struct {
	log   zerolog.Logger
	chain statefold.ChainAccessor
}

// NewServer creates a gRPC server wrapping the given accessor.
func NewServer(log zerolog.Logger, chain statefold.ChainAccessor) *Server {
	return &Server{
		log:   log.With().Str("component", "grpc-server").Logger(),
		chain: chain,
	}
}

// Register adds the chain service to a gRPC server.
func (s *Server) Register(gs *grpc.Server) {
	RegisterChainServiceServer(gs, s)
}

// Serve starts a gRPC server on the given listener.
func (s *Server) Serve(lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs.Serve(lis)
}

// --- ChainService RPCs ---

func (s *Server) Head(ctx context.Context, _ *HeadRequest) (*HeadResponse, error) {
	block, err := s.chain.Head(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HeadResponse{Block: block}, nil
}

func (s *Server) HeaderByHash(ctx context.Context, req *HeaderByHashRequest) (*HeaderResponse, error) {
	header, err := s.chain.HeaderByHash(ctx, req.Hash)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HeaderResponse{Header: header}, nil
}

func (s *Server) HeaderByNumber(ctx context.Context, req *HeaderByNumberRequest) (*HeaderResponse, error) {
	header, err := s.chain.HeaderByNumber(ctx, req.Number)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HeaderResponse{Header: header}, nil
}

func (s *Server) Logs(ctx context.Context, req *LogsRequest) (*types.EventBatch, error) {
	batch, err := s.chain.Logs(ctx, req.Filter, req.From, req.To)
	if err != nil {
		return nil, toStatus(err)
	}
	return &batch, nil
}

// NewHeads streams head announcements until the client goes away. It
// requires the wrapped accessor to support head subscriptions.
func (s *Server) NewHeads(_ *NewHeadsRequest, stream grpc.ServerStream) error {
	hs, ok := s.chain.(statefold.HeadSource)
	if !ok {
		return status.Error(codes.Unimplemented, "chain source does not support head subscriptions")
	}

	ctx := stream.Context()
	heads, cancel, err := hs.SubscribeNewHeads(ctx)
	if err != nil {
		return toStatus(err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case head, ok := <-heads:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&NewHead{Block: head}); err != nil {
				s.log.Debug().Err(err).Msg("head stream closed by client")
				return err
			}
		}
	}
}

// toStatus maps the error taxonomy onto gRPC status codes so the
// client can reconstruct it.
func toStatus(err error) error {
	switch {
	case statefold.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case statefold.IsRangeTooLarge(err):
		return status.Error(codes.OutOfRange, err.Error())
	case statefold.IsTransient(err):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
