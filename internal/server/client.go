package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/callgate/pkg/types"
)

// Client talks to a running admin server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the admin server at addr without TLS. Extra options are
// appended, which tests use to dial a bufconn listener.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to admin server %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Stats fetches the gate's stats snapshot.
func (c *Client) Stats(ctx context.Context) (types.StatsSnapshot, error) {
	var snap types.StatsSnapshot
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodGetStats, &emptypb.Empty{}, out); err != nil {
		return snap, err
	}
	if err := fromStruct(out, &snap); err != nil {
		return snap, fmt.Errorf("decode stats: %w", err)
	}
	return snap, nil
}

// ResetCircuitBreaker resets category's breaker.
func (c *Client) ResetCircuitBreaker(ctx context.Context, category string) error {
	return c.conn.Invoke(ctx, MethodResetCircuitBreaker, wrapperspb.String(category), new(emptypb.Empty))
}

// ClearQueues drops every queued request and returns how many were dropped.
func (c *Client) ClearQueues(ctx context.Context) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, MethodClearQueues, &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// SignalLoad sends "high" or "normal". It reports whether the gate accepted
// the signal.
func (c *Client) SignalLoad(ctx context.Context, signal string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, MethodSignalLoad, wrapperspb.String(signal), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// WatchEvents calls fn for every breaker event until ctx ends, the server
// closes the stream, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, fn func(types.Event) error) error {
	stream, err := c.conn.NewStream(ctx, &AdminServiceDesc.Streams[0], MethodWatchEvents)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var evt types.Event
		if err := fromStruct(msg, &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
