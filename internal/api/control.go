// Package api is the local control surface of a session daemon: a gRPC
// service on the session's Unix socket whose requests and responses are
// google.protobuf.Struct documents.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "todosync.v1.Control"

// Method names.
const (
	MethodStatus            = "Status"
	MethodSnapshot          = "Snapshot"
	MethodRefreshChats      = "RefreshChats"
	MethodSelectChat        = "SelectChat"
	MethodCloseChat         = "CloseChat"
	MethodStartDraft        = "StartDraft"
	MethodSendMessage       = "SendMessage"
	MethodCreateGroup       = "CreateGroup"
	MethodSearchUsers       = "SearchUsers"
	MethodBeginCompletion   = "BeginCompletion"
	MethodConfirmCompletion = "ConfirmCompletion"
	MethodCancelCompletion  = "CancelCompletion"
	MethodSetFilter         = "SetFilter"
	MethodWatch             = "Watch"
)

// ControlServer is the server side of the control service.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefreshChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartDraft(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateGroup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchUsers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BeginCompletion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmCompletion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelCompletion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetFilter(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Watch(in, stream)
}

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ControlServiceDesc describes the service for grpc.Server.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ControlServer.Status),
		unary(MethodSnapshot, ControlServer.Snapshot),
		unary(MethodRefreshChats, ControlServer.RefreshChats),
		unary(MethodSelectChat, ControlServer.SelectChat),
		unary(MethodCloseChat, ControlServer.CloseChat),
		unary(MethodStartDraft, ControlServer.StartDraft),
		unary(MethodSendMessage, ControlServer.SendMessage),
		unary(MethodCreateGroup, ControlServer.CreateGroup),
		unary(MethodSearchUsers, ControlServer.SearchUsers),
		unary(MethodBeginCompletion, ControlServer.BeginCompletion),
		unary(MethodConfirmCompletion, ControlServer.ConfirmCompletion),
		unary(MethodCancelCompletion, ControlServer.CancelCompletion),
		unary(MethodSetFilter, ControlServer.SetFilter),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    MethodWatch,
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "todosync/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}
