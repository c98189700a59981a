package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/nimbus-durable/internal/async"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/engine"
	"github.com/oriys/nimbus-durable/internal/entity"
	"github.com/oriys/nimbus-durable/internal/metrics"
	"github.com/oriys/nimbus-durable/internal/orchestration"
	"github.com/oriys/nimbus-durable/internal/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EntityDispatcherKey 是非直接注册实体时，EntityDispatcher 在 Items 中的键。
const EntityDispatcherKey = "durable.entityDispatcher"

// Handler 是调用管道中的下一个中间件。
type Handler func(fc FunctionContext) error

// Dispatcher 根据触发器绑定路由调用。
//
// 编排：载荷必须是字符串；直接注册的编排包装同步执行守卫后交给引擎运行，其他入口点交给 next。
// 活动：执行注册的活动并写入原始结果，失败转换为 *domain.SerializationFailure。
// 实体：直接注册的实体交给引擎批处理，否则在 Items 中放置 EntityDispatcher 并交给 next。
type Dispatcher struct {
	registry *Registry
	runner   engine.Runner
	cache    engine.Cache
	services *engine.Services
	next     Handler
	props    domain.PropertiesProvider
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option 配置 Dispatcher。
type Option func(*Dispatcher)

// WithNext 设置非直接注册函数的下一个中间件。
func WithNext(next Handler) Option {
	return func(d *Dispatcher) { d.next = next }
}

// WithCache 设置编排输出缓存。
func WithCache(cache engine.Cache) Option {
	return func(d *Dispatcher) { d.cache = cache }
}

// WithEventSource 设置编排等待外部事件的来源。
func WithEventSource(events engine.EventSource) Option {
	return func(d *Dispatcher) { d.services.Events = events }
}

// WithPropertiesProvider 设置活动失败的自定义属性提取器。
func WithPropertiesProvider(p domain.PropertiesProvider) Option {
	return func(d *Dispatcher) { d.props = p }
}

// WithLogger 设置日志记录器。
func WithLogger(logger *logrus.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer 设置追踪器。
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// New 创建分派器。分派器自身作为引擎的 ActivityInvoker，编排调用的活动在进程内执行。
func New(registry *Registry, runner engine.Runner, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		runner:   runner,
		services: &engine.Services{},
		logger:   logrus.StandardLogger(),
		tracer:   otel.Tracer(telemetry.TracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.services.Activities = d
	d.services.Logger = d.logger
	return d
}

// Registry 返回分派器使用的注册表。
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch 处理一次调用。
func (d *Dispatcher) Dispatch(fc FunctionContext) error {
	def := fc.Definition()
	binding, kind, ok := def.Trigger()
	if !ok {
		if n := def.durableTriggerCount(); n > 1 {
			return fmt.Errorf("%w: '%s' declares %d durable triggers", domain.ErrUnsupportedFunction, def.Name, n)
		}
		return fmt.Errorf("%w: '%s'", domain.ErrUnsupportedFunction, def.Name)
	}

	traceparent, tracestate := fc.TraceContext()
	ctx := telemetry.ContextWithRemoteParent(fc.Context(), traceparent, tracestate)
	ctx, span := d.tracer.Start(ctx, "durable."+string(kind),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("durable.function", def.Name),
			attribute.String("durable.kind", string(kind)),
			attribute.String("durable.invocation_id", fc.InvocationID()),
		),
	)
	defer span.End()

	start := time.Now()
	var err error
	switch kind {
	case domain.KindOrchestration:
		err = d.dispatchOrchestration(ctx, fc, def, binding)
	case domain.KindActivity:
		err = d.dispatchActivity(ctx, fc, def, binding)
	case domain.KindEntity:
		err = d.dispatchEntity(ctx, fc, def, binding)
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	d.metrics.RecordDispatch(string(kind), def.Name, status, float64(time.Since(start).Milliseconds()))
	return err
}

func (d *Dispatcher) dispatchOrchestration(ctx context.Context, fc FunctionContext, def FunctionDefinition, binding BindingMetadata) error {
	state, err := bindString(ctx, fc, binding)
	if err != nil {
		return err
	}
	if !def.IsDirect() {
		return d.callNext(fc)
	}

	orch, err := d.registry.Orchestrator(def.Name)
	if err != nil {
		return err
	}
	guard := orchestration.NewGuard(def.Name, orch, d.logger)
	defer func() { _ = guard.Dispose(ctx) }()

	out, err := d.runner.RunOrchestration(ctx, state, guard, d.cache, d.services)
	if err != nil {
		var illegal *domain.IllegalAwaitError
		if errors.As(err, &illegal) {
			d.metrics.RecordIllegalAwait(def.Name)
			d.entry(ctx, fc).WithField("guard_state", guard.State().String()).Error("Illegal await in orchestrator")
		}
		return err
	}
	fc.SetResult(out)
	return nil
}

func (d *Dispatcher) dispatchActivity(ctx context.Context, fc FunctionContext, def FunctionDefinition, binding BindingMetadata) error {
	input, err := bindString(ctx, fc, binding)
	if err != nil {
		return err
	}
	activity, err := d.registry.Activity(def.Name)
	if err != nil {
		return err
	}

	result, err := async.Call(func() (any, error) { return activity.Execute(ctx, input) })
	if err != nil {
		d.metrics.RecordSerializationFailure(def.Name)
		return domain.NewSerializationFailure(err,
			domain.WithPropertiesProvider(d.props),
			domain.WithProviderErrorHandler(func(perr error) {
				d.entry(ctx, fc).WithError(perr).Warn("Failed to extract custom exception properties")
			}),
		)
	}
	fc.SetResult(result)
	return nil
}

func (d *Dispatcher) dispatchEntity(ctx context.Context, fc FunctionContext, def FunctionDefinition, binding BindingMetadata) error {
	batch, err := bindString(ctx, fc, binding)
	if err != nil {
		return err
	}
	if d.registry.HasEntity(def.Name) {
		e, err := d.registry.Entity(def.Name)
		if err != nil {
			return err
		}
		out, err := d.runner.RunEntityBatch(ctx, batch, e, d.services)
		if err != nil {
			return err
		}
		fc.SetResult(out)
		return nil
	}

	fc.Items()[EntityDispatcherKey] = &EntityDispatcher{
		ctx:      ctx,
		fc:       fc,
		batch:    batch,
		runner:   d.runner,
		services: d.services,
	}
	return d.callNext(fc)
}

func (d *Dispatcher) callNext(fc FunctionContext) error {
	if d.next == nil {
		return nil
	}
	return d.next(fc)
}

func (d *Dispatcher) entry(ctx context.Context, fc FunctionContext) *logrus.Entry {
	def := fc.Definition()
	return d.logger.WithContext(ctx).WithFields(logrus.Fields{
		"function":      def.Name,
		"invocation_id": fc.InvocationID(),
	})
}

// InvokeActivity 实现 engine.ActivityInvoker，在进程内执行注册的活动并返回 JSON 结果。
func (d *Dispatcher) InvokeActivity(ctx context.Context, name, instanceID, input string) (string, error) {
	def, ok := d.registry.Definition(name)
	if _, kind, _ := def.Trigger(); !ok || kind != domain.KindActivity {
		return "", fmt.Errorf("%w: activity '%s'", domain.ErrUnregisteredFunction, name)
	}
	inv := NewInvocation(ctx, def, input)
	if err := d.Dispatch(inv); err != nil {
		return "", err
	}
	result, _ := inv.Result()
	switch v := result.(type) {
	case nil:
		return "", nil
	case json.RawMessage:
		return string(v), nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", domain.NewSerializationFailure(fmt.Errorf("failed to encode activity result: %w", err))
	}
	return string(raw), nil
}

// EntityDispatcher 供非直接注册的实体中间件执行批次。
type EntityDispatcher struct {
	ctx      context.Context
	fc       FunctionContext
	batch    string
	runner   engine.Runner
	services *engine.Services
}

// Batch 返回编码的操作批次。
func (e *EntityDispatcher) Batch() string {
	return e.batch
}

// Dispatch 用 ent 执行批次并写入调用结果。
func (e *EntityDispatcher) Dispatch(ent entity.Entity) error {
	out, err := e.runner.RunEntityBatch(e.ctx, e.batch, ent, e.services)
	if err != nil {
		return err
	}
	e.fc.SetResult(out)
	return nil
}

// EntityDispatcherFrom 从调用的 Items 中取出 EntityDispatcher。
func EntityDispatcherFrom(fc FunctionContext) (*EntityDispatcher, bool) {
	ed, ok := fc.Items()[EntityDispatcherKey].(*EntityDispatcher)
	return ed, ok
}

// bindString 绑定触发器输入，要求是字符串。
func bindString(ctx context.Context, fc FunctionContext, binding BindingMetadata) (string, error) {
	raw, err := fc.BindInput(ctx, binding)
	if err != nil {
		return "", err
	}
	if s, ok := raw.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: binding '%s' expected string, got %s", domain.ErrInvalidPayload, binding.Name, domain.TypeName(raw))
}
