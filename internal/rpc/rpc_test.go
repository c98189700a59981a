package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"testing"
	"time"

	"github.com/oriys/nimbus-durable/internal/async"
	"github.com/oriys/nimbus-durable/internal/dispatch"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/engine"
	"github.com/oriys/nimbus-durable/internal/listener"
	"github.com/oriys/nimbus-durable/internal/metrics"
	"github.com/oriys/nimbus-durable/internal/orchestration"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newWorker(t *testing.T, mode listener.Mode) (*Client, *metrics.Metrics) {
	t.Helper()
	reg := dispatch.NewRegistry()
	require.NoError(t, reg.AddActivity("SayHello", dispatch.ActivityFunc(func(_ context.Context, input string) (any, error) {
		var name string
		if err := json.Unmarshal([]byte(input), &name); err != nil {
			return nil, err
		}
		return "Hello " + name, nil
	})))
	require.NoError(t, reg.AddActivity("Explode", dispatch.ActivityFunc(func(context.Context, string) (any, error) {
		return nil, errors.New("boom")
	})))
	version := "2"
	require.NoError(t, reg.AddOrchestratorVersion("Hello", &version, func() orchestration.Orchestrator {
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

	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	logger := quietLogger()
	d := dispatch.New(reg, engine.NewLocalRunner(time.Second), dispatch.WithLogger(logger), dispatch.WithMetrics(m))
	srv := NewServer(d, logger)

	l, err := listener.New(listener.Config{Mode: mode},
		srv.Registrar(),
		listener.WithLogger(logger),
		listener.WithServerOptions(grpc.UnaryInterceptor(UnaryServerInterceptor(logger, m))),
	)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, l.ListenAddress(), grpc.WithBlock())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, m
}

func TestWorker_InvokeActivity(t *testing.T) {
	for _, mode := range []listener.Mode{listener.ModeDirect, listener.ModeEmbedded} {
		t.Run(string(mode), func(t *testing.T) {
			c, m := newWorker(t, mode)

			resp, err := c.Invoke(context.Background(), InvokeRequest{Function: "SayHello", Payload: `"Tokyo"`})
			require.NoError(t, err)
			assert.Nil(t, resp.Failure)
			assert.Equal(t, "Hello Tokyo", resp.Result)
			assert.NotEmpty(t, resp.InvocationID)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues(InvokeMethod, codes.OK.String())))
		})
	}
}

func TestWorker_InvokeOrchestration(t *testing.T) {
	c, _ := newWorker(t, listener.ModeDirect)

	state, err := engine.EncodeOrchestratorRequest(&engine.OrchestratorRequest{InstanceID: "abc", Name: "Hello@2"})
	require.NoError(t, err)
	resp, err := c.Invoke(context.Background(), InvokeRequest{Function: "Hello@2", Payload: state})
	require.NoError(t, err)

	out, ok := resp.Result.(string)
	require.True(t, ok)
	decoded, err := engine.DecodeOrchestratorResponse(out)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, decoded.Status)
	assert.JSONEq(t, `"Hello Tokyo"`, string(decoded.Output))
}

func TestWorker_ActivityFailureIsReturnedAsDetail(t *testing.T) {
	c, _ := newWorker(t, listener.ModeDirect)

	resp, err := c.Invoke(context.Background(), InvokeRequest{Function: "Explode", Payload: `null`})
	require.NoError(t, err)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, "boom", resp.Failure.ErrorMessage)
	assert.Equal(t, "*errors.errorString", resp.Failure.ErrorType)
	assert.Nil(t, resp.Result)
}

func TestWorker_ErrorCodes(t *testing.T) {
	c, m := newWorker(t, listener.ModeDirect)
	tests := []struct {
		name string
		req  InvokeRequest
		code codes.Code
	}{
		{name: "missing function", req: InvokeRequest{}, code: codes.InvalidArgument},
		{name: "unregistered", req: InvokeRequest{Function: "Nope"}, code: codes.NotFound},
		{name: "unregistered with kind", req: InvokeRequest{Function: "Nope", Kind: domain.KindActivity}, code: codes.NotFound},
		{name: "unknown kind", req: InvokeRequest{Function: "Nope", Kind: "timer"}, code: codes.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Invoke(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues(InvokeMethod, codes.Unimplemented.String())))
}

func TestWorker_NonDirectEntryPointPassesThrough(t *testing.T) {
	c, _ := newWorker(t, listener.ModeDirect)

	resp, err := c.Invoke(context.Background(), InvokeRequest{
		Function:   "External",
		Kind:       domain.KindOrchestration,
		EntryPoint: "Other.Executor",
		Payload:    "{}",
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Failure)
	assert.Nil(t, resp.Result)
}

func TestWorker_FunctionsAndHealth(t *testing.T) {
	c, _ := newWorker(t, listener.ModeEmbedded)

	infos, err := c.Functions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "Explode", infos[0].Name)
	assert.Equal(t, "Hello", infos[1].Name)
	require.NotNil(t, infos[1].Version)
	assert.Equal(t, "2", *infos[1].Version)
	assert.Equal(t, domain.KindOrchestration, infos[1].Kind)
	assert.Equal(t, "SayHello", infos[2].Name)

	ok, err := c.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFailureRoundTrip(t *testing.T) {
	detail := domain.NewFailureDetail(fmt.Errorf("outer: %w", errors.New("inner")))
	s, err := EncodeFailure(detail)
	require.NoError(t, err)
	back, err := DecodeFailure(s)
	require.NoError(t, err)
	assert.Equal(t, detail.ErrorType, back.ErrorType)
	assert.Equal(t, detail.ErrorMessage, back.ErrorMessage)
	require.NotNil(t, back.InnerFailure)
	assert.Equal(t, "inner", back.InnerFailure.ErrorMessage)
}

func TestEncodeFailure_NonFiniteProperties(t *testing.T) {
	provider := domain.PropertiesProviderFunc(func(error) (map[string]any, error) {
		return map[string]any{"ratio": math.NaN(), "attempt": 2}, nil
	})
	detail := domain.NewFailureDetail(errors.New("boom"), domain.WithPropertiesProvider(provider))

	s, err := EncodeFailure(detail)
	require.NoError(t, err)
	back, err := DecodeFailure(s)
	require.NoError(t, err)
	assert.Equal(t, "boom", back.ErrorMessage)
	assert.Equal(t, "NaN", back.Properties["ratio"].GetStringValue())
	assert.Equal(t, float64(2), back.Properties["attempt"].GetNumberValue())
}
