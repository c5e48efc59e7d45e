package syncserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "replog.Sync"

	knownMethod   = "/" + ServiceName + "/Known"
	fetchMethod   = "/" + ServiceName + "/Fetch"
	deliverMethod = "/" + ServiceName + "/Deliver"
)

// SyncServer is the server API of the replog.Sync service. Payloads are
// JSON documents carried in protobuf wrappers:
//
//	Known   -> vector clock of the entries held
//	Fetch   vector clock -> entries not covered by it
//	Deliver entries -> number of entries that were new
type SyncServer interface {
	Known(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	Fetch(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error)
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&syncServiceDesc, srv)
}

func knownHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServer).Known(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: knownMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SyncServer).Known(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServer).Fetch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SyncServer).Fetch(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SyncServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Known", Handler: knownHandler},
		{MethodName: "Fetch", Handler: fetchHandler},
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replog/sync.proto",
}
