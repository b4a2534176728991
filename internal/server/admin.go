// ============================================================================
// Admin service descriptor
// ============================================================================
//
// Package: internal/server
// File: admin.go
//
// callgate.admin.v1.Admin is described by hand. Its messages are protobuf
// well-known types, so the default proto codec carries them and no generated
// code is needed:
//
//   GetStats            Empty       -> Struct      (StatsSnapshot as JSON object)
//   ResetCircuitBreaker StringValue -> Empty       (category)
//   ClearQueues         Empty       -> Int64Value  (requests dropped)
//   SignalLoad          StringValue -> BoolValue   (high | normal, accepted)
//   WatchEvents         Empty       -> stream Struct (one per breaker event)
//
// ============================================================================

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "callgate.admin.v1.Admin"

// Full method names.
const (
	MethodGetStats            = "/" + serviceName + "/GetStats"
	MethodResetCircuitBreaker = "/" + serviceName + "/ResetCircuitBreaker"
	MethodClearQueues         = "/" + serviceName + "/ClearQueues"
	MethodSignalLoad          = "/" + serviceName + "/SignalLoad"
	MethodWatchEvents         = "/" + serviceName + "/WatchEvents"
)

// AdminServer is the server API for the admin service.
type AdminServer interface {
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ResetCircuitBreaker(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ClearQueues(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
	SignalLoad(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	WatchEvents(*emptypb.Empty, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

// RegisterAdminServer registers srv with s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// AdminServiceDesc describes callgate.admin.v1.Admin.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: getStatsHandler},
		{MethodName: "ResetCircuitBreaker", Handler: resetHandler},
		{MethodName: "ClearQueues", Handler: clearQueuesHandler},
		{MethodName: "SignalLoad", Handler: signalLoadHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "callgate/admin/v1/admin.proto",
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetStats}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetStats(ctx, req.(*emptypb.Empty))
	})
}

func resetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ResetCircuitBreaker(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodResetCircuitBreaker}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ResetCircuitBreaker(ctx, req.(*wrapperspb.StringValue))
	})
}

func clearQueuesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ClearQueues(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodClearQueues}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ClearQueues(ctx, req.(*emptypb.Empty))
	})
}

func signalLoadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).SignalLoad(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSignalLoad}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).SignalLoad(ctx, req.(*wrapperspb.StringValue))
	})
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AdminServer).WatchEvents(in, &eventStream{stream})
}
