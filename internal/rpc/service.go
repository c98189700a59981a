// Package rpc 实现回环侧通道上的工作进程 RPC 服务。
//
// 服务描述是手写的 grpc.ServiceDesc，请求和响应都是 *structpb.Struct，
// 线路上的字段保持不透明，不依赖生成代码。
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 是工作进程 RPC 服务的全限定名。
const ServiceName = "durable.worker.v1.Worker"

// 方法全名
const (
	InvokeMethod              = "/" + ServiceName + "/Invoke"
	GetFunctionMetadataMethod = "/" + ServiceName + "/GetFunctionMetadata"
)

// 请求和响应字段名
const (
	FieldFunction     = "function"
	FieldKind         = "kind"
	FieldEntryPoint   = "entryPoint"
	FieldPayload      = "payload"
	FieldTraceParent  = "traceparent"
	FieldTraceState   = "tracestate"
	FieldInvocationID = "invocationId"
	FieldResult       = "result"
	FieldFailure      = "failure"
	FieldFunctions    = "functions"
)

// WorkerServer 是工作进程 RPC 服务的服务端接口。
type WorkerServer interface {
	Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetFunctionMetadata(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc 是 WorkerServer 的 gRPC 服务描述。
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "GetFunctionMetadata", Handler: metadataHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "durable/worker/v1/worker.proto",
}

// RegisterWorkerServer 在 s 上注册 srv。
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func metadataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).GetFunctionMetadata(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetFunctionMetadataMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).GetFunctionMetadata(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
