package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oriys/nimbus-durable/internal/dispatch"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/listener"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server 把 RPC 请求转换为一次宿主调用并交给分派器。
//
// 活动失败（*domain.SerializationFailure）作为响应中的 failure 字段返回，
// 其他分派错误映射为 gRPC 状态码。
type Server struct {
	dispatcher *dispatch.Dispatcher
	logger     *logrus.Logger
}

// NewServer 创建 RPC 服务。
func NewServer(dispatcher *dispatch.Dispatcher, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{dispatcher: dispatcher, logger: logger}
}

// Registrar 返回在监听器的 gRPC 服务器上注册本服务的回调。
func (s *Server) Registrar() listener.Registrar {
	return func(gs grpc.ServiceRegistrar) {
		RegisterWorkerServer(gs, s)
	}
}

// Invoke 实现 WorkerServer。
func (s *Server) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	name := fields[FieldFunction].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "function is required")
	}

	def, err := s.definition(name, fields)
	if err != nil {
		return nil, err
	}
	inv := dispatch.NewInvocation(ctx, def, payloadOf(fields[FieldPayload]))
	inv.TraceParent = fields[FieldTraceParent].GetStringValue()
	inv.TraceState = fields[FieldTraceState].GetStringValue()

	resp := map[string]*structpb.Value{
		FieldInvocationID: structpb.NewStringValue(inv.InvocationID()),
	}
	if err := s.dispatcher.Dispatch(inv); err != nil {
		sf, ok := domain.AsSerializationFailure(err)
		if !ok {
			return nil, statusFromError(err)
		}
		failure, ferr := EncodeFailure(sf.Detail)
		if ferr != nil {
			return nil, status.Error(codes.Internal, ferr.Error())
		}
		resp[FieldFailure] = structpb.NewStructValue(failure)
		return &structpb.Struct{Fields: resp}, nil
	}

	result, _ := inv.Result()
	resp[FieldResult] = resultValue(result)
	return &structpb.Struct{Fields: resp}, nil
}

// GetFunctionMetadata 实现 WorkerServer，返回所有直接注册函数的宿主元数据。
func (s *Server) GetFunctionMetadata(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	infos := s.dispatcher.Registry().Functions()
	list := make([]*structpb.Value, 0, len(infos))
	for _, info := range infos {
		key := domain.CombineNameVersion(info.Name, info.Version)
		def := dispatch.DefinitionFor(key, info.Kind)
		bindings := make([]*structpb.Value, 0, len(def.Bindings))
		for _, b := range def.Bindings {
			bindings = append(bindings, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				"name":      structpb.NewStringValue(b.Name),
				"type":      structpb.NewStringValue(b.Type),
				"direction": structpb.NewStringValue(b.Direction),
			}}))
		}
		fn := map[string]*structpb.Value{
			"name":       structpb.NewStringValue(info.Name),
			"kind":       structpb.NewStringValue(string(info.Kind)),
			"entryPoint": structpb.NewStringValue(def.EntryPoint),
			"bindings":   structpb.NewListValue(&structpb.ListValue{Values: bindings}),
		}
		if info.Version != nil {
			fn["version"] = structpb.NewStringValue(*info.Version)
		}
		list = append(list, structpb.NewStructValue(&structpb.Struct{Fields: fn}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldFunctions: structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}, nil
}

// definition 解析被调用函数的元数据。
// 请求带 kind 时按请求构造（可指定 entryPoint，交给下一个中间件），否则查注册表。
func (s *Server) definition(name string, fields map[string]*structpb.Value) (dispatch.FunctionDefinition, error) {
	kind, hasKind := fields[FieldKind]
	if !hasKind {
		def, ok := s.dispatcher.Registry().Definition(name)
		if !ok {
			return dispatch.FunctionDefinition{}, status.Errorf(codes.NotFound, "%s: '%s'", domain.ErrUnregisteredFunction, name)
		}
		return def, nil
	}

	def := dispatch.DefinitionFor(name, domain.EntryPointKind(kind.GetStringValue()))
	if ep := fields[FieldEntryPoint].GetStringValue(); ep != "" {
		def.EntryPoint = ep
	}
	return def, nil
}

// payloadOf 还原触发器输入；字符串以外的值原样交给分派器，由它拒绝。
func payloadOf(v *structpb.Value) any {
	if v == nil {
		return nil
	}
	if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
		return s.StringValue
	}
	return v.AsInterface()
}

func resultValue(result any) *structpb.Value {
	if raw, ok := result.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return domain.ToValue(decoded)
		}
		return structpb.NewStringValue(string(raw))
	}
	return domain.ToValue(result)
}

// statusFromError 把分派错误映射为 gRPC 状态。
func statusFromError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, domain.ErrUnregisteredFunction):
		code = codes.NotFound
	case errors.Is(err, domain.ErrInvalidPayload):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrUnsupportedFunction):
		code = codes.Unimplemented
	case errors.Is(err, domain.ErrIllegalAwait):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// EncodeFailure 把 FailureDetail 编码为 Struct，字段与其 JSON 表示一致。
// 自定义属性无法编码时退回到不含属性的详情。
func EncodeFailure(detail *domain.FailureDetail) (*structpb.Struct, error) {
	raw, err := json.Marshal(detail)
	if err != nil && detail != nil && len(detail.Properties) > 0 {
		bare := *detail
		bare.Properties = nil
		raw, err = json.Marshal(&bare)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode failure detail: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("failed to encode failure detail: %w", err)
	}
	return s, nil
}

// DecodeFailure 是 EncodeFailure 的逆操作。
func DecodeFailure(s *structpb.Struct) (*domain.FailureDetail, error) {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode failure detail: %w", err)
	}
	detail := &domain.FailureDetail{}
	if err := json.Unmarshal(raw, detail); err != nil {
		return nil, fmt.Errorf("failed to decode failure detail: %w", err)
	}
	return detail, nil
}
