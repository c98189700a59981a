package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/oriys/nimbus-durable/internal/async"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/engine"
	"github.com/oriys/nimbus-durable/internal/entity"
	"github.com/oriys/nimbus-durable/internal/metrics"
	"github.com/oriys/nimbus-durable/internal/orchestration"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type overflowError struct{ msg string }

func (e *overflowError) Error() string { return e.msg }

type activityError struct {
	msg   string
	inner error
	code  int
}

func (e *activityError) Error() string { return e.msg }
func (e *activityError) Unwrap() error { return e.inner }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *metrics.Metrics) {
	t.Helper()
	reg := NewRegistry()

	require.NoError(t, reg.AddActivity("SayHello", ActivityFunc(func(ctx context.Context, input string) (any, error) {
		var name string
		if err := json.Unmarshal([]byte(input), &name); err != nil {
			return nil, err
		}
		return "Hello " + name, nil
	})))
	require.NoError(t, reg.AddActivity("Explode", ActivityFunc(func(ctx context.Context, input string) (any, error) {
		return nil, &activityError{
			msg:   "This activity failed",
			inner: &overflowError{msg: "Inner exception message"},
			code:  42,
		}
	})))
	require.NoError(t, reg.AddOrchestrator("Hello", func() orchestration.Orchestrator {
		return orchestration.OrchestratorFunc(func(ctx orchestration.OrchestrationContext) *async.Task {
			return async.Then(ctx.CallActivity("SayHello", "Tokyo"), func(v any, err error) (any, error) {
				if err != nil {
					return nil, err
				}
				var s string
				if err := orchestration.Decode(v, &s); err != nil {
					return nil, err
				}
				return s, nil
			})
		})
	}))
	require.NoError(t, reg.AddOrchestrator("Sleepy", func() orchestration.Orchestrator {
		return orchestration.OrchestratorFunc(func(ctx orchestration.OrchestrationContext) *async.Task {
			return async.Go(func() (any, error) {
				time.Sleep(10 * time.Millisecond)
				return ctx.InstanceID(), nil
			})
		})
	}))
	require.NoError(t, reg.AddEntity("Counter", func() entity.Entity {
		return entity.Func(func(ctx entity.OperationContext) (any, error) {
			var n int
			if ctx.HasState() {
				if err := ctx.GetState(&n); err != nil {
					return nil, err
				}
			}
			n++
			if err := ctx.SetState(n); err != nil {
				return nil, err
			}
			return n, nil
		})
	}))

	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	all := append([]Option{WithLogger(quietLogger()), WithMetrics(m)}, opts...)
	return New(reg, engine.NewLocalRunner(time.Second), all...), m
}

func orchestratorState(t *testing.T, id string) string {
	t.Helper()
	s, err := engine.EncodeOrchestratorRequest(&engine.OrchestratorRequest{InstanceID: id, Name: "Hello"})
	require.NoError(t, err)
	return s
}

func TestDispatch_UnsupportedFunction(t *testing.T) {
	d, _ := newTestDispatcher(t)
	tests := []struct {
		name     string
		bindings []BindingMetadata
		contains string
	}{
		{
			name:     "no durable trigger",
			bindings: []BindingMetadata{{Name: "req", Type: "httpTrigger", Direction: DirectionIn}},
			contains: "HttpStart",
		},
		{
			name: "orchestration and activity triggers",
			bindings: []BindingMetadata{
				{Name: "context", Type: domain.OrchestrationTriggerBinding, Direction: DirectionIn},
				{Name: "input", Type: domain.ActivityTriggerBinding, Direction: DirectionIn},
			},
			contains: "2 durable triggers",
		},
		{
			name: "activity and entity triggers",
			bindings: []BindingMetadata{
				{Name: "input", Type: domain.ActivityTriggerBinding},
				{Name: "dispatcher", Type: domain.EntityTriggerBinding},
			},
			contains: "2 durable triggers",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewInvocation(context.Background(), FunctionDefinition{
				Name:       "HttpStart",
				EntryPoint: DirectEntryPoint,
				Bindings:   tt.bindings,
			}, "x")

			err := d.Dispatch(inv)
			assert.ErrorIs(t, err, domain.ErrUnsupportedFunction)
			assert.ErrorContains(t, err, tt.contains)
			_, ok := inv.Result()
			assert.False(t, ok)
		})
	}
}

func TestDispatch_InvalidPayload(t *testing.T) {
	d, _ := newTestDispatcher(t)
	for _, kind := range []domain.EntryPointKind{domain.KindOrchestration, domain.KindActivity, domain.KindEntity} {
		t.Run(string(kind), func(t *testing.T) {
			inv := NewInvocation(context.Background(), DefinitionFor("Hello", kind), 123)
			err := d.Dispatch(inv)
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		})
	}
}

func TestDispatch_OrchestrationRunsThroughGuardAndEngine(t *testing.T) {
	d, _ := newTestDispatcher(t)
	inv := NewInvocation(context.Background(), DefinitionFor("Hello", domain.KindOrchestration), orchestratorState(t, "abc"))

	require.NoError(t, d.Dispatch(inv))
	result, ok := inv.Result()
	require.True(t, ok)

	resp, err := engine.DecodeOrchestratorResponse(result.(string))
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, resp.Status)
	assert.JSONEq(t, `"Hello Tokyo"`, string(resp.Output))
}

func TestDispatch_OrchestrationIllegalAwait(t *testing.T) {
	d, m := newTestDispatcher(t)
	def := DefinitionFor("Sleepy", domain.KindOrchestration)
	inv := NewInvocation(context.Background(), def, orchestratorState(t, "sleepy"))

	err := d.Dispatch(inv)
	require.Error(t, err)
	var illegal *domain.IllegalAwaitError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "Sleepy", illegal.FunctionName)
	_, set := inv.Result()
	assert.False(t, set)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IllegalAwaits.WithLabelValues("Sleepy")))
}

func TestDispatch_OrchestrationUnregistered(t *testing.T) {
	d, _ := newTestDispatcher(t)
	inv := NewInvocation(context.Background(), DefinitionFor("Missing", domain.KindOrchestration), orchestratorState(t, "m"))
	assert.ErrorIs(t, d.Dispatch(inv), domain.ErrUnregisteredFunction)
}

func TestDispatch_NonDirectPassesThrough(t *testing.T) {
	var called []string
	next := func(fc FunctionContext) error {
		called = append(called, fc.Definition().Name)
		return nil
	}
	d, _ := newTestDispatcher(t, WithNext(next))

	def := FunctionDefinition{
		Name:       "Legacy",
		EntryPoint: "MyApp.Functions.Legacy",
		Bindings:   []BindingMetadata{{Name: "context", Type: domain.OrchestrationTriggerBinding, Direction: DirectionIn}},
	}
	inv := NewInvocation(context.Background(), def, orchestratorState(t, "legacy"))

	require.NoError(t, d.Dispatch(inv))
	assert.Equal(t, []string{"Legacy"}, called)
	_, set := inv.Result()
	assert.False(t, set)
}

func TestDispatch_ActivityResult(t *testing.T) {
	d, _ := newTestDispatcher(t)
	inv := NewInvocation(context.Background(), DefinitionFor("SayHello", domain.KindActivity), `"Seattle"`)

	require.NoError(t, d.Dispatch(inv))
	result, _ := inv.Result()
	assert.Equal(t, "Hello Seattle", result)
}

func TestDispatch_ActivityFailureBecomesSerializationFailure(t *testing.T) {
	props := domain.PropertiesProviderFunc(func(err error) (map[string]any, error) {
		var ae *activityError
		if errors.As(err, &ae) {
			return map[string]any{"code": ae.code, "tags": []string{"a", "b"}}, nil
		}
		return nil, nil
	})
	d, m := newTestDispatcher(t, WithPropertiesProvider(props))
	inv := NewInvocation(context.Background(), DefinitionFor("Explode", domain.KindActivity), `null`)

	err := d.Dispatch(inv)
	sf, ok := domain.AsSerializationFailure(err)
	require.True(t, ok)

	detail := sf.Detail
	assert.Equal(t, "This activity failed", detail.ErrorMessage)
	assert.Equal(t, "*github.com/oriys/nimbus-durable/internal/dispatch.activityError", detail.ErrorType)
	require.NotNil(t, detail.InnerFailure)
	assert.Equal(t, "Inner exception message", detail.InnerFailure.ErrorMessage)
	assert.Nil(t, detail.InnerFailure.InnerFailure)
	assert.Equal(t, 42.0, detail.Properties["code"].GetNumberValue())
	assert.Len(t, detail.Properties["tags"].GetListValue().GetValues(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SerializationFailures.WithLabelValues("Explode")))
}

func TestDispatch_PropertiesProviderFailureIsLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	props := domain.PropertiesProviderFunc(func(err error) (map[string]any, error) {
		return nil, errors.New("provider broke")
	})
	d, _ := newTestDispatcher(t, WithPropertiesProvider(props), WithLogger(logger))
	inv := NewInvocation(context.Background(), DefinitionFor("Explode", domain.KindActivity), `null`)

	sf, ok := domain.AsSerializationFailure(d.Dispatch(inv))
	require.True(t, ok)
	assert.Empty(t, sf.Detail.Properties)
	assert.Equal(t, "This activity failed", sf.Detail.ErrorMessage)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "Explode", hook.LastEntry().Data["function"])
}

func TestDispatch_ActivityUnregistered(t *testing.T) {
	d, _ := newTestDispatcher(t)
	inv := NewInvocation(context.Background(), DefinitionFor("Nope", domain.KindActivity), `""`)
	assert.ErrorIs(t, d.Dispatch(inv), domain.ErrUnregisteredFunction)
}

func entityBatch(t *testing.T, id string, ops int) string {
	t.Helper()
	req := &engine.EntityBatchRequest{InstanceID: id}
	for i := 0; i < ops; i++ {
		req.Operations = append(req.Operations, entity.Operation{Name: "increment"})
	}
	s, err := engine.EncodeEntityBatch(req)
	require.NoError(t, err)
	return s
}

func TestDispatch_DirectEntity(t *testing.T) {
	d, _ := newTestDispatcher(t)
	inv := NewInvocation(context.Background(), DefinitionFor("counter", domain.KindEntity), entityBatch(t, "@counter@x", 3))

	require.NoError(t, d.Dispatch(inv))
	result, _ := inv.Result()
	res, err := engine.DecodeEntityBatchResult(result.(string))
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(res.State))
	assert.Len(t, res.Results, 3)
}

func TestDispatch_NonDirectEntityUsesEntityDispatcher(t *testing.T) {
	next := func(fc FunctionContext) error {
		ed, ok := EntityDispatcherFrom(fc)
		if !ok {
			return fmt.Errorf("no entity dispatcher")
		}
		return ed.Dispatch(entity.Func(func(ctx entity.OperationContext) (any, error) {
			return ctx.Operation(), nil
		}))
	}
	d, _ := newTestDispatcher(t, WithNext(next))
	def := FunctionDefinition{
		Name:       "Cart",
		EntryPoint: "MyApp.Cart.Run",
		Bindings:   []BindingMetadata{{Name: "dispatcher", Type: domain.EntityTriggerBinding}},
	}
	inv := NewInvocation(context.Background(), def, entityBatch(t, "@cart@1", 1))

	require.NoError(t, d.Dispatch(inv))
	result, ok := inv.Result()
	require.True(t, ok)
	res, err := engine.DecodeEntityBatchResult(result.(string))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.JSONEq(t, `"increment"`, string(res.Results[0].Result))
}

func TestDispatch_SpanUsesHostTraceContext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	d, _ := newTestDispatcher(t, WithTracer(tp.Tracer("test")))
	inv := NewInvocation(context.Background(), DefinitionFor("SayHello", domain.KindActivity), `"x"`)
	inv.TraceParent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	require.NoError(t, d.Dispatch(inv))
	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "durable.activity", ended[0].Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", ended[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", ended[0].Parent().SpanID().String())
}

func TestDispatcher_InvokeActivityRejectsNonActivities(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.InvokeActivity(context.Background(), "Hello", "i", `null`)
	assert.ErrorIs(t, err, domain.ErrUnregisteredFunction)

	out, err := d.InvokeActivity(context.Background(), "SayHello", "i", `"Bob"`)
	require.NoError(t, err)
	assert.JSONEq(t, `"Hello Bob"`, out)
}
