package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "convmemory.v1.ContextService"

// Full method names
const (
	MethodGetContext         = "/" + ServiceName + "/GetContext"
	MethodDiagnoseContext    = "/" + ServiceName + "/DiagnoseContext"
	MethodGetRelevantContext = "/" + ServiceName + "/GetRelevantContext"
	MethodMemoryUsage        = "/" + ServiceName + "/MemoryUsage"
	MethodRunMaintenance     = "/" + ServiceName + "/RunMaintenance"
	MethodHealth             = "/" + ServiceName + "/Health"
)

// ContextServiceServer is the server API for the context service.
// Requests and responses are google.protobuf.Struct messages.
type ContextServiceServer interface {
	GetContext(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DiagnoseContext(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRelevantContext(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MemoryUsage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunMaintenance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Health(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterContextServiceServer registers srv on s
func RegisterContextServiceServer(s grpc.ServiceRegistrar, srv ContextServiceServer) {
	s.RegisterService(&ContextServiceDesc, srv)
}

func unaryHandler(method string, call func(ContextServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ContextServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ContextServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ContextServiceDesc describes the context service for grpc.ServiceRegistrar
var ContextServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ContextServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetContext", Handler: unaryHandler(MethodGetContext, ContextServiceServer.GetContext)},
		{MethodName: "DiagnoseContext", Handler: unaryHandler(MethodDiagnoseContext, ContextServiceServer.DiagnoseContext)},
		{MethodName: "GetRelevantContext", Handler: unaryHandler(MethodGetRelevantContext, ContextServiceServer.GetRelevantContext)},
		{MethodName: "MemoryUsage", Handler: unaryHandler(MethodMemoryUsage, ContextServiceServer.MemoryUsage)},
		{MethodName: "RunMaintenance", Handler: unaryHandler(MethodRunMaintenance, ContextServiceServer.RunMaintenance)},
		{MethodName: "Health", Handler: unaryHandler(MethodHealth, ContextServiceServer.Health)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "convmemory/v1/context_service.proto",
}

// ContextServiceClient is the client API for the context service
type ContextServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewContextServiceClient creates a client over cc
func NewContextServiceClient(cc grpc.ClientConnInterface) *ContextServiceClient {
	return &ContextServiceClient{cc: cc}
}

func (c *ContextServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetContext calls ContextService.GetContext
func (c *ContextServiceClient) GetContext(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetContext, in, opts...)
}

// DiagnoseContext calls ContextService.DiagnoseContext
func (c *ContextServiceClient) DiagnoseContext(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodDiagnoseContext, in, opts...)
}

// GetRelevantContext calls ContextService.GetRelevantContext
func (c *ContextServiceClient) GetRelevantContext(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetRelevantContext, in, opts...)
}

// MemoryUsage calls ContextService.MemoryUsage
func (c *ContextServiceClient) MemoryUsage(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodMemoryUsage, in, opts...)
}

// RunMaintenance calls ContextService.RunMaintenance
func (c *ContextServiceClient) RunMaintenance(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRunMaintenance, in, opts...)
}

// Health calls ContextService.Health
func (c *ContextServiceClient) Health(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodHealth, in, opts...)
}
