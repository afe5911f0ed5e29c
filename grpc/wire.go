package foldgrpc

import "github.com/blockberries/statefold/types"

// Transport-specific wrapper types for RPC methods whose interface
// signatures don't map to a single request/response struct.
// These are used only for gRPC serialization boundaries.

// HeadRequest is the (empty) request for ChainService.Head.
type HeadRequest struct{}

// HeadResponse wraps the return value of ChainService.Head.
type HeadResponse struct {
	Block types.BlockID `cramberry:"1"`
}

// HeaderByHashRequest wraps the parameter for ChainService.HeaderByHash.
type HeaderByHashRequest struct {
	Hash types.Hash `cramberry:"1"`
}

// HeaderByNumberRequest wraps the parameter for ChainService.HeaderByNumber.
type HeaderByNumberRequest struct {
	Number uint64 `cramberry:"1"`
}

// HeaderResponse wraps the return value of the header lookups.
type HeaderResponse struct {
	Header types.Header `cramberry:"1"`
}

// LogsRequest wraps the parameters for ChainService.Logs.
type LogsRequest struct {
	Filter types.LogFilter `cramberry:"1"`
	From   uint64          `cramberry:"2"`
	To     uint64          `cramberry:"3"`
}

// NewHeadsRequest is the (empty) request opening the NewHeads stream.
type NewHeadsRequest struct{}

// NewHead is one message on the NewHeads stream.
type NewHead struct {
	Block types.BlockID `cramberry:"1"`
}
