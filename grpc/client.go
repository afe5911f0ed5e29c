package foldgrpc

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/types"
)

// Compile-time interface checks.
var (
	_ statefold.ChainAccessor = (*Client)(nil)
	_ statefold.HeadSource    = (*Client)(nil)
)

// headerCacheSize bounds the by-hash header cache. Headers are
// immutable under their hash, so cached entries never go stale.
const headerCacheSize = 4096

// Client implements statefold.ChainAccessor and statefold.HeadSource
// over gRPC using cramberry serialization. No protobuf types or
// conversion layer required.
type Client struct {
	cc      *grpc.ClientConn
	headers *lru.Cache[types.Hash, types.Header]
}

// Dial connects to a remote chain service.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.ForceCodec(CramberryCodec{}),
	))
	cc, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("statefold client: dial %s: %w", addr, err)
	}
	headers, err := lru.New[types.Hash, types.Header](headerCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc, headers: headers}, nil
}

func (c *Client) Close() error {
	return c.cc.Close()
}

// --- statefold.ChainAccessor ---

func (c *Client) Head(ctx context.Context) (types.BlockID, error) {
	resp := new(HeadResponse)
	if err := c.cc.Invoke(ctx, fullMethod("Head"), &HeadRequest{}, resp); err != nil {
		return types.BlockID{}, fromStatus(err)
	}
	return resp.Block, nil
}

func (c *Client) HeaderByHash(ctx context.Context, hash types.Hash) (types.Header, error) {
	if header, ok := c.headers.Get(hash); ok {
		return header, nil
	}

	req := &HeaderByHashRequest{Hash: hash}
	resp := new(HeaderResponse)
	if err := c.cc.Invoke(ctx, fullMethod("HeaderByHash"), req, resp); err != nil {
		return types.Header{}, fromStatus(err)
	}
	c.headers.Add(hash, resp.Header)
	return resp.Header, nil
}

func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (types.Header, error) {
	// Not cacheable by number: the canonical block at a height changes
	// under reorg. The result still warms the by-hash cache.
	req := &HeaderByNumberRequest{Number: number}
	resp := new(HeaderResponse)
	if err := c.cc.Invoke(ctx, fullMethod("HeaderByNumber"), req, resp); err != nil {
		return types.Header{}, fromStatus(err)
	}
	c.headers.Add(resp.Header.ID.Hash, resp.Header)
	return resp.Header, nil
}

func (c *Client) Logs(ctx context.Context, filter types.LogFilter, from, to uint64) (types.EventBatch, error) {
	req := &LogsRequest{Filter: filter, From: from, To: to}
	resp := new(types.EventBatch)
	if err := c.cc.Invoke(ctx, fullMethod("Logs"), req, resp); err != nil {
		if status.Code(err) == codes.OutOfRange {
			// Rebuild the typed error from the requested bounds so the
			// caller's range subdivision works across the wire.
			return types.EventBatch{}, &statefold.RangeTooLargeError{From: from, To: to}
		}
		return types.EventBatch{}, fromStatus(err)
	}
	return *resp, nil
}

// --- statefold.HeadSource ---

func (c *Client) SubscribeNewHeads(ctx context.Context) (<-chan types.BlockID, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "NewHeads",
		ServerStreams: true,
	}, fullMethod("NewHeads"))
	if err != nil {
		cancel()
		return nil, nil, fromStatus(err)
	}
	if err := stream.SendMsg(&NewHeadsRequest{}); err != nil {
		cancel()
		return nil, nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, nil, fromStatus(err)
	}

	ch := make(chan types.BlockID, 64)
	go func() {
		defer close(ch)
		for {
			msg := new(NewHead)
			if err := stream.RecvMsg(msg); err != nil {
				// io.EOF, cancellation, or a broken transport all end
				// the subscription; the consumer reopens on close.
				return
			}
			select {
			case ch <- msg.Block:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, cancel, nil
}

// fromStatus reconstructs the error taxonomy from gRPC status codes.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return &statefold.NotFoundError{Ref: st.Message()}
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return statefold.Transient("rpc", err)
	default:
		return err
	}
}
