// Package followupd serves the follow-up engine over gRPC.
package followupd

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "followup.v1.FlowService"

// Full method names.
const (
	MethodSaveFlow          = "/" + ServiceName + "/SaveFlow"
	MethodValidateFlow      = "/" + ServiceName + "/ValidateFlow"
	MethodGetFlow           = "/" + ServiceName + "/GetFlow"
	MethodListFlows         = "/" + ServiceName + "/ListFlows"
	MethodTriggerNoResponse = "/" + ServiceName + "/TriggerNoResponse"
	MethodLeadReplied       = "/" + ServiceName + "/LeadReplied"
	MethodGetInstance       = "/" + ServiceName + "/GetInstance"
	MethodListInstances     = "/" + ServiceName + "/ListInstances"
	MethodCancelInstance    = "/" + ServiceName + "/CancelInstance"
	MethodGetStatus         = "/" + ServiceName + "/GetStatus"
)

// FlowServiceServer is the server side of FlowService. Messages are
// google.protobuf.Struct documents whose fields use snake_case keys.
type FlowServiceServer interface {
	SaveFlow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateFlow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetFlow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFlows(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TriggerNoResponse(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LeadReplied(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListInstances(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(FlowServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(FlowServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(FlowServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// FlowServiceDesc describes FlowService for grpc.Server.RegisterService.
var FlowServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FlowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SaveFlow", Handler: unaryHandler(MethodSaveFlow, FlowServiceServer.SaveFlow)},
		{MethodName: "ValidateFlow", Handler: unaryHandler(MethodValidateFlow, FlowServiceServer.ValidateFlow)},
		{MethodName: "GetFlow", Handler: unaryHandler(MethodGetFlow, FlowServiceServer.GetFlow)},
		{MethodName: "ListFlows", Handler: unaryHandler(MethodListFlows, FlowServiceServer.ListFlows)},
		{MethodName: "TriggerNoResponse", Handler: unaryHandler(MethodTriggerNoResponse, FlowServiceServer.TriggerNoResponse)},
		{MethodName: "LeadReplied", Handler: unaryHandler(MethodLeadReplied, FlowServiceServer.LeadReplied)},
		{MethodName: "GetInstance", Handler: unaryHandler(MethodGetInstance, FlowServiceServer.GetInstance)},
		{MethodName: "ListInstances", Handler: unaryHandler(MethodListInstances, FlowServiceServer.ListInstances)},
		{MethodName: "CancelInstance", Handler: unaryHandler(MethodCancelInstance, FlowServiceServer.CancelInstance)},
		{MethodName: "GetStatus", Handler: unaryHandler(MethodGetStatus, FlowServiceServer.GetStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "followup/v1/flow_service.proto",
}

// RegisterFlowServiceServer registers srv with s.
func RegisterFlowServiceServer(s grpc.ServiceRegistrar, srv FlowServiceServer) {
	s.RegisterService(&FlowServiceDesc, srv)
}
