package rpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/oriys/nimbus-durable/internal/dispatch"
	"github.com/oriys/nimbus-durable/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// InvokeRequest 是一次远程调用。
type InvokeRequest struct {
	// Function 是函数名称（带版本时为组合名称）
	Function string
	// Kind 可选，指定后不查询注册表，直接按该类型构造触发器绑定
	Kind domain.EntryPointKind
	// EntryPoint 可选，与 Kind 一起使用
	EntryPoint string
	// Payload 是触发器输入
	Payload string
	// TraceParent 和 TraceState 是可选的 W3C 追踪上下文
	TraceParent string
	TraceState  string
}

// InvokeResponse 是远程调用的结果。Failure 非 nil 时 Result 为 nil。
type InvokeResponse struct {
	InvocationID string
	Result       any
	Failure      *domain.FailureDetail
}

// Client 是工作进程 RPC 客户端。
type Client struct {
	conn *grpc.ClientConn
}

// Dial 连接监听器地址，address 可以是 http://host:port 或 host:port。
func Dial(ctx context.Context, address string, opts ...grpc.DialOption) (*Client, error) {
	target := strings.TrimPrefix(strings.TrimPrefix(address, "http://"), "https://")
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker at %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// Close 关闭连接。
func (c *Client) Close() error {
	return c.conn.Close()
}

// Invoke 远程执行一次调用。
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	fields := map[string]*structpb.Value{
		FieldFunction: structpb.NewStringValue(req.Function),
		FieldPayload:  structpb.NewStringValue(req.Payload),
	}
	if req.Kind != "" {
		fields[FieldKind] = structpb.NewStringValue(string(req.Kind))
	}
	if req.EntryPoint != "" {
		fields[FieldEntryPoint] = structpb.NewStringValue(req.EntryPoint)
	}
	if req.TraceParent != "" {
		fields[FieldTraceParent] = structpb.NewStringValue(req.TraceParent)
		fields[FieldTraceState] = structpb.NewStringValue(req.TraceState)
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, InvokeMethod, &structpb.Struct{Fields: fields}, out); err != nil {
		return nil, err
	}

	resp := &InvokeResponse{InvocationID: out.GetFields()[FieldInvocationID].GetStringValue()}
	if failure := out.GetFields()[FieldFailure].GetStructValue(); failure != nil {
		detail, err := DecodeFailure(failure)
		if err != nil {
			return nil, err
		}
		resp.Failure = detail
		return resp, nil
	}
	if v, ok := out.GetFields()[FieldResult]; ok {
		resp.Result = v.AsInterface()
	}
	return resp, nil
}

// Functions 返回工作进程注册的函数元数据。
func (c *Client) Functions(ctx context.Context) ([]dispatch.FunctionInfo, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, GetFunctionMetadataMethod, &structpb.Struct{}, out); err != nil {
		return nil, err
	}
	list := out.GetFields()[FieldFunctions].GetListValue().GetValues()
	infos := make([]dispatch.FunctionInfo, 0, len(list))
	for _, v := range list {
		f := v.GetStructValue().GetFields()
		info := dispatch.FunctionInfo{
			Name: f["name"].GetStringValue(),
			Kind: domain.EntryPointKind(f["kind"].GetStringValue()),
		}
		if version, ok := f["version"]; ok {
			s := version.GetStringValue()
			info.Version = &s
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Healthy 通过标准 gRPC 健康检查服务报告工作进程是否在服务。
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
