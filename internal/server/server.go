package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// Gate is the part of *gate.Gate the admin service drives.
type Gate interface {
	Stats() types.StatsSnapshot
	ResetCircuitBreaker(category string)
	ClearQueues() int
	SignalLoad(sig types.LoadSignal) bool
	Subscribe(buffer int) (<-chan types.Event, func())
}

// Server implements AdminServer on top of a Gate.
type Server struct {
	gate Gate
	log  logger.Logger

	stopOnce sync.Once
	stopping chan struct{} // closed before GracefulStop so watch streams end
}

var _ AdminServer = (*Server)(nil)

// NewServer creates the admin service for g.
func NewServer(g Gate, log logger.Logger) *Server {
	return &Server{
		gate:     g,
		log:      logger.OrNop(log),
		stopping: make(chan struct{}),
	}
}

// GetStats returns the gate's stats snapshot as a JSON object.
func (s *Server) GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st, err := toStruct(s.gate.Stats())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return st, nil
}

// ResetCircuitBreaker resets one category's breaker.
func (s *Server) ResetCircuitBreaker(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	category := req.GetValue()
	if category == "" {
		return nil, status.Error(codes.InvalidArgument, "category is required")
	}
	s.gate.ResetCircuitBreaker(category)
	return &emptypb.Empty{}, nil
}

// ClearQueues drops every queued request.
func (s *Server) ClearQueues(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	return wrapperspb.Int64(int64(s.gate.ClearQueues())), nil
}

// SignalLoad forwards a high or normal load signal.
func (s *Server) SignalLoad(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	sig, err := types.ParseLoadSignal(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v: %q", err, req.GetValue())
	}
	return wrapperspb.Bool(s.gate.SignalLoad(sig)), nil
}

// WatchEvents streams breaker events until the client goes away, the gate
// closes its subscriptions or the server stops.
func (s *Server) WatchEvents(_ *emptypb.Empty, stream EventStream) error {
	events, cancel := s.gate.Subscribe(0)
	defer cancel()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-s.stopping:
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := toStruct(evt)
			if err != nil {
				return status.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Serve runs the gRPC server on l until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	RegisterAdminServer(gs, s)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(l) }()
	s.log.Info("admin server listening", logger.String("addr", l.Addr().String()))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.stopOnce.Do(func() { close(s.stopping) })
		gs.GracefulStop()
		<-errCh
		s.log.Info("admin server stopped")
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []logger.Field{
		logger.String("method", info.FullMethod),
		logger.Stringer("code", status.Code(err)),
		logger.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.log.Warn("admin call failed", append(fields, logger.Err(err))...)
	} else {
		s.log.Debug("admin call", fields...)
	}
	return resp, err
}

// ============================================================================
// JSON <-> Struct
// ============================================================================

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(st *structpb.Struct, out any) error {
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
