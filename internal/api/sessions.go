// Package api describes the saunalog.v1.Sessions gRPC service. Requests and responses
// are google.protobuf.Struct messages, so the standard proto codec carries them.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "saunalog.v1.Sessions"

const (
	MethodLinkAccount             = "LinkAccount"
	MethodDiscoverDevices         = "DiscoverDevices"
	MethodListSessions            = "ListSessions"
	MethodListMeasurements        = "ListMeasurements"
	MethodListSessionMeasurements = "ListSessionMeasurements"
	MethodEndSession              = "EndSession"
)

// FullMethod returns "/saunalog.v1.Sessions/<method>".
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// SessionsServer is the server API for saunalog.v1.Sessions.
type SessionsServer interface {
	LinkAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DiscoverDevices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMeasurements(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSessionMeasurements(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(SessionsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(method string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if ic == nil {
			return call(srv.(SessionsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		h := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SessionsServer), ctx, req.(*structpb.Struct))
		}
		return ic(ctx, in, info, h)
	}
}

// ServiceDesc is the grpc.ServiceDesc for saunalog.v1.Sessions.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodLinkAccount, Handler: handler(MethodLinkAccount, SessionsServer.LinkAccount)},
		{MethodName: MethodDiscoverDevices, Handler: handler(MethodDiscoverDevices, SessionsServer.DiscoverDevices)},
		{MethodName: MethodListSessions, Handler: handler(MethodListSessions, SessionsServer.ListSessions)},
		{MethodName: MethodListMeasurements, Handler: handler(MethodListMeasurements, SessionsServer.ListMeasurements)},
		{MethodName: MethodListSessionMeasurements, Handler: handler(MethodListSessionMeasurements, SessionsServer.ListSessionMeasurements)},
		{MethodName: MethodEndSession, Handler: handler(MethodEndSession, SessionsServer.EndSession)},
	},
	Metadata: "saunalog/v1/sessions",
}

// RegisterSessionsServer registers srv on s.
func RegisterSessionsServer(s grpc.ServiceRegistrar, srv SessionsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// SessionsClient calls saunalog.v1.Sessions.
type SessionsClient struct{ cc grpc.ClientConnInterface }

// NewSessionsClient wraps cc.
func NewSessionsClient(cc grpc.ClientConnInterface) *SessionsClient { return &SessionsClient{cc: cc} }

// Call invokes method with in.
func (c *SessionsClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
