// Package api serves the synchronous control surface over gRPC. Messages are
// google.protobuf.Struct documents so the service needs no generated stubs.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fleetctl.v1.ControlService"

// Method names.
const (
	MethodRegisterTenant     = "RegisterTenant"
	MethodRegisterDevice     = "RegisterDevice"
	MethodSendCommand        = "SendCommand"
	MethodSendBulkCommand    = "SendBulkCommand"
	MethodBroadcastCommand   = "BroadcastCommand"
	MethodGetCommand         = "GetCommand"
	MethodGetTaskResult      = "GetTaskResult"
	MethodAcknowledgeAlert   = "AcknowledgeAlert"
	MethodResolveAlert       = "ResolveAlert"
	MethodTriggerHealthCheck = "TriggerHealthCheck"
)

// FullMethod returns the invocation path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ControlServiceServer is the server side of the control service.
type ControlServiceServer interface {
	RegisterTenant(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendBulkCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BroadcastCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTaskResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcknowledgeAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TriggerHealthCheck(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ControlServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(ControlServiceServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*structpb.Struct))
		})
	}
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodRegisterTenant, Handler: unaryHandler(MethodRegisterTenant, ControlServiceServer.RegisterTenant)},
		{MethodName: MethodRegisterDevice, Handler: unaryHandler(MethodRegisterDevice, ControlServiceServer.RegisterDevice)},
		{MethodName: MethodSendCommand, Handler: unaryHandler(MethodSendCommand, ControlServiceServer.SendCommand)},
		{MethodName: MethodSendBulkCommand, Handler: unaryHandler(MethodSendBulkCommand, ControlServiceServer.SendBulkCommand)},
		{MethodName: MethodBroadcastCommand, Handler: unaryHandler(MethodBroadcastCommand, ControlServiceServer.BroadcastCommand)},
		{MethodName: MethodGetCommand, Handler: unaryHandler(MethodGetCommand, ControlServiceServer.GetCommand)},
		{MethodName: MethodGetTaskResult, Handler: unaryHandler(MethodGetTaskResult, ControlServiceServer.GetTaskResult)},
		{MethodName: MethodAcknowledgeAlert, Handler: unaryHandler(MethodAcknowledgeAlert, ControlServiceServer.AcknowledgeAlert)},
		{MethodName: MethodResolveAlert, Handler: unaryHandler(MethodResolveAlert, ControlServiceServer.ResolveAlert)},
		{MethodName: MethodTriggerHealthCheck, Handler: unaryHandler(MethodTriggerHealthCheck, ControlServiceServer.TriggerHealthCheck)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleetctl/v1/control.proto",
}

// RegisterControlServiceServer registers srv on s.
func RegisterControlServiceServer(s grpc.ServiceRegistrar, srv ControlServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
