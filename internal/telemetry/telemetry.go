// Package telemetry 提供 OpenTelemetry 分布式追踪的封装。
// 主要功能包括：
//   - 初始化 OTLP 追踪导出器和全局传播器
//   - 把宿主传入的 W3C 追踪上下文设为分派 Span 的父上下文
//   - 日志与追踪的关联（Logrus Hook）
//   - HTTP 中间件与客户端传输层
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName 是本模块创建 Span 时使用的追踪器名称。
const TracerName = "github.com/oriys/nimbus-durable"

// Config 定义遥测配置。
type Config struct {
	// Enabled 控制是否启用追踪导出
	Enabled bool `yaml:"enabled"`
	// Endpoint 是 OTLP gRPC 接收器地址
	Endpoint string `yaml:"endpoint"` // e.g., localhost:4317
	// ServiceName 是追踪数据的服务标识
	ServiceName string `yaml:"service_name"`
	// ServiceVersion 是服务版本
	ServiceVersion string `yaml:"service_version"`
	// SampleRate 采样率，取值 0.0 到 1.0
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 标识运行环境
	Environment string `yaml:"environment"`
}

// Telemetry 持有追踪提供者和追踪器。
type Telemetry struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// New 根据配置初始化追踪。
// 未启用时只返回全局（空操作）追踪器，仍然设置 W3C 传播器，
// 使 ContextWithRemoteParent 在无导出器时也能工作。
//
// 参数：
//   - ctx: 控制导出器连接超时
//   - cfg: 遥测配置
//
// 返回：
//   - *Telemetry: 遥测实例
//   - error: 初始化错误
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nimbus-durable-worker"
	}
	otel.SetTextMapPropagator(Propagator())

	if !cfg.Enabled {
		return &Telemetry{
			config: cfg,
			tracer: otel.Tracer(TracerName),
		}, nil
	}

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.1
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		// 宿主传入的父上下文已采样时，分派 Span 跟随其采样决策
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	return &Telemetry{
		config:         cfg,
		tracerProvider: tp,
		tracer:         tp.Tracer(TracerName),
	}, nil
}

// Tracer 返回追踪器。
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown 刷新待发送的追踪数据并释放资源。
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// IsEnabled 返回是否启用了追踪导出。
func (t *Telemetry) IsEnabled() bool {
	return t.config.Enabled
}

// Propagator 返回 W3C Trace Context 与 Baggage 的组合传播器。
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// ContextWithRemoteParent 把外部提供的 W3C 追踪标识设为 ctx 的远程父 Span 上下文。
// 之后在该 ctx 上创建的 Span 继承 traceparent 中的 Trace ID，并以其 Span ID 为父。
// traceparent 为空或格式不合法时原样返回 ctx。
func ContextWithRemoteParent(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	if tracestate != "" {
		carrier["tracestate"] = tracestate
	}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}

// TraceIDFromContext 从上下文中提取 Trace ID，无效时返回空字符串。
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanIDFromContext 从上下文中提取 Span ID，无效时返回空字符串。
func SpanIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}

// StartSpan 用全局追踪提供者创建 Span。
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, opts...)
}

// RecordError 在当前 Span 上记录错误。
func RecordError(ctx context.Context, err error) {
	trace.SpanFromContext(ctx).RecordError(err)
}
