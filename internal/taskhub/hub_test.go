package taskhub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/oriys/nimbus-durable/internal/async"
	"github.com/oriys/nimbus-durable/internal/dispatch"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/engine"
	"github.com/oriys/nimbus-durable/internal/events"
	"github.com/oriys/nimbus-durable/internal/metrics"
	"github.com/oriys/nimbus-durable/internal/orchestration"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, _ *domain.OrchestrationInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRegistry(t *testing.T) *dispatch.Registry {
	t.Helper()
	reg := dispatch.NewRegistry()
	require.NoError(t, reg.AddActivity("SayHello", dispatch.ActivityFunc(func(_ context.Context, input string) (any, error) {
		var name string
		if err := json.Unmarshal([]byte(input), &name); err != nil {
			return nil, err
		}
		return "Hello " + name, nil
	})))
	require.NoError(t, reg.AddOrchestrator("Hello", func() orchestration.Orchestrator {
		return orchestration.OrchestratorFunc(func(ctx orchestration.OrchestrationContext) *async.Task {
			var name string
			if err := ctx.GetInput(&name); err != nil {
				return async.Failed(err)
			}
			return async.Then(ctx.CallActivity("SayHello", name), func(v any, err error) (any, error) {
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
	require.NoError(t, reg.AddOrchestrator("Approval", func() orchestration.Orchestrator {
		return orchestration.OrchestratorFunc(func(ctx orchestration.OrchestrationContext) *async.Task {
			return async.Then(ctx.WaitForExternalEvent("Approved", 0), func(v any, err error) (any, error) {
				if err != nil {
					return nil, err
				}
				var ok bool
				if err := orchestration.Decode(v, &ok); err != nil {
					return nil, err
				}
				return ok, nil
			})
		})
	}))
	require.NoError(t, reg.AddOrchestrator("Echo", func() orchestration.Orchestrator {
		return orchestration.Sync(func(ctx orchestration.OrchestrationContext) (any, error) {
			var n int
			if err := ctx.GetInput(&n); err != nil {
				return nil, err
			}
			return n, nil
		})
	}))
	require.NoError(t, reg.AddOrchestrator("Failing", func() orchestration.Orchestrator {
		return orchestration.Sync(func(orchestration.OrchestrationContext) (any, error) {
			return nil, errors.New("kaboom")
		})
	}))
	return reg
}

type fixture struct {
	hub       *Hub
	store     *MemoryStore
	metrics   *metrics.Metrics
	publisher *recordingPublisher
}

func newFixture(t *testing.T, cfg Config, start bool) *fixture {
	t.Helper()
	logger := quietLogger()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	mailbox := NewMailbox()
	cache := engine.NewMemoryCache(16)
	d := dispatch.New(testRegistry(t), engine.NewLocalRunner(5*time.Second),
		dispatch.WithLogger(logger),
		dispatch.WithCache(cache),
		dispatch.WithEventSource(mailbox),
	)
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	hub := New(cfg, store, d, mailbox,
		WithLogger(logger),
		WithMetrics(m),
		WithPublisher(pub),
		WithCache(cache),
	)
	if start {
		require.NoError(t, hub.Start())
	}
	t.Cleanup(func() { _ = hub.Stop() })
	return &fixture{hub: hub, store: store, metrics: m, publisher: pub}
}

func waitDone(t *testing.T, h *Hub, id string) *domain.OrchestrationInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := h.WaitForCompletion(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return inst
}

func TestHub_ScheduleAndComplete(t *testing.T) {
	f := newFixture(t, Config{Workers: 2}, true)

	id, err := f.hub.Schedule(context.Background(), "Hello", "", json.RawMessage(`"Tokyo"`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	inst := waitDone(t, f.hub, id)
	assert.Equal(t, domain.InstanceStatusCompleted, inst.Status)
	assert.JSONEq(t, `"Hello Tokyo"`, string(inst.Output))
	assert.Nil(t, inst.Failure)
	assert.Equal(t, "Hello", inst.Name)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HubInstancesFinished.WithLabelValues(string(domain.InstanceStatusCompleted))))
	assert.Equal(t, []string{events.TypeScheduled, events.TypeCompleted}, f.publisher.snapshot())
}

func TestHub_FailedOrchestration(t *testing.T) {
	f := newFixture(t, Config{Workers: 1}, true)

	id, err := f.hub.Schedule(context.Background(), "Failing", "f-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "f-1", id)

	inst := waitDone(t, f.hub, id)
	assert.Equal(t, domain.InstanceStatusFailed, inst.Status)
	require.NotNil(t, inst.Failure)
	assert.Equal(t, "kaboom", inst.Failure.ErrorMessage)
	assert.Contains(t, f.publisher.snapshot(), events.TypeFailed)
}

func TestHub_RaiseEvent(t *testing.T) {
	f := newFixture(t, Config{Workers: 1}, true)
	ctx := context.Background()

	id, err := f.hub.Schedule(ctx, "Approval", "", nil)
	require.NoError(t, err)

	_, err = f.hub.Schedule(ctx, "Approval", id, nil)
	assert.ErrorIs(t, err, domain.ErrInstanceExists)

	require.NoError(t, f.hub.RaiseEvent(ctx, id, "Approved", json.RawMessage(`true`)))
	inst := waitDone(t, f.hub, id)
	assert.Equal(t, domain.InstanceStatusCompleted, inst.Status)
	assert.JSONEq(t, `true`, string(inst.Output))

	assert.ErrorIs(t, f.hub.RaiseEvent(ctx, id, "Approved", nil), domain.ErrInstanceCompleted)
	assert.ErrorIs(t, f.hub.RaiseEvent(ctx, "missing", "Approved", nil), domain.ErrInstanceNotFound)
}

func TestHub_RescheduleCompletedInstanceRunsAgain(t *testing.T) {
	f := newFixture(t, Config{Workers: 1}, true)
	ctx := context.Background()

	_, err := f.hub.Schedule(ctx, "Echo", "echo", json.RawMessage(`1`))
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(waitDone(t, f.hub, "echo").Output))

	_, err = f.hub.Schedule(ctx, "Echo", "echo", json.RawMessage(`2`))
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(waitDone(t, f.hub, "echo").Output))
}

func TestHub_ScheduleValidation(t *testing.T) {
	f := newFixture(t, Config{Workers: 1}, false)
	ctx := context.Background()

	_, err := f.hub.Schedule(ctx, "Nope", "", nil)
	assert.ErrorIs(t, err, domain.ErrUnregisteredFunction)
	_, err = f.hub.Schedule(ctx, "SayHello", "", nil)
	assert.ErrorIs(t, err, domain.ErrUnregisteredFunction)
	_, err = f.hub.Schedule(ctx, "Hello", "", json.RawMessage(`{bad`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestHub_QueueFull(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, QueueSize: 1}, false)
	ctx := context.Background()

	_, err := f.hub.Schedule(ctx, "Echo", "q-1", json.RawMessage(`1`))
	require.NoError(t, err)
	_, err = f.hub.Schedule(ctx, "Echo", "q-2", json.RawMessage(`2`))
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	inst, err := f.hub.Get(ctx, "q-2")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusFailed, inst.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HubQueueSize))

	// 启动后积压的实例被执行
	require.NoError(t, f.hub.Start())
	assert.Equal(t, domain.InstanceStatusCompleted, waitDone(t, f.hub, "q-1").Status)
}

func TestHub_RecoversPendingInstancesOnStart(t *testing.T) {
	f := newFixture(t, Config{Workers: 1}, false)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.Create(ctx, &domain.OrchestrationInstance{
		InstanceID:    "orphan",
		Name:          "Echo",
		Status:        domain.InstanceStatusRunning,
		Input:         json.RawMessage(`7`),
		CreatedAt:     now,
		LastUpdatedAt: now,
	}))

	require.NoError(t, f.hub.Start())
	inst := waitDone(t, f.hub, "orphan")
	assert.Equal(t, domain.InstanceStatusCompleted, inst.Status)
	assert.JSONEq(t, `7`, string(inst.Output))
}

func TestHub_Purge(t *testing.T) {
	f := newFixture(t, Config{Workers: 1}, true)
	ctx := context.Background()

	id, err := f.hub.Schedule(ctx, "Approval", "", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, f.hub.Purge(ctx, id), domain.ErrInstanceNotCompleted)

	require.NoError(t, f.hub.RaiseEvent(ctx, id, "Approved", json.RawMessage(`false`)))
	waitDone(t, f.hub, id)
	require.NoError(t, f.hub.Purge(ctx, id))

	_, err = f.hub.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
	assert.ErrorIs(t, f.hub.Purge(ctx, id), domain.ErrInstanceNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HubInstancesPurged))
}

func TestHub_PurgeCompletedBefore(t *testing.T) {
	f := newFixture(t, Config{Workers: 1}, false)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, f.store.Save(ctx, testInstance("old-done", domain.InstanceStatusCompleted, old)))
	require.NoError(t, f.store.Save(ctx, testInstance("old-failed", domain.InstanceStatusFailed, old)))
	require.NoError(t, f.store.Save(ctx, testInstance("old-running", domain.InstanceStatusRunning, old)))
	require.NoError(t, f.store.Save(ctx, testInstance("new-done", domain.InstanceStatusCompleted, time.Now())))

	n, err := f.hub.PurgeCompletedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := f.hub.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, inst := range list {
		ids = append(ids, inst.InstanceID)
	}
	assert.ElementsMatch(t, []string{"old-running", "new-done"}, ids)
}

func TestHub_InvalidPurgeSchedule(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, PurgeSchedule: "every now and then", Retention: time.Hour}, false)
	assert.Error(t, f.hub.Start())
}

func TestHub_WaitForCompletionTimesOut(t *testing.T) {
	f := newFixture(t, Config{Workers: 1}, true)
	id, err := f.hub.Schedule(context.Background(), "Approval", "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	inst, err := f.hub.WaitForCompletion(ctx, id, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, inst)
	assert.False(t, inst.Status.IsTerminal())
}

func TestMailbox(t *testing.T) {
	t.Run("queued before wait", func(t *testing.T) {
		m := NewMailbox()
		m.Deliver("i", "e", json.RawMessage(`1`))
		m.Deliver("i", "e", json.RawMessage(`2`))
		assert.Equal(t, 2, m.Pending("i"))

		v, err := m.WaitForEvent(context.Background(), "i", "e")
		require.NoError(t, err)
		assert.JSONEq(t, `1`, string(v))
		v, err = m.WaitForEvent(context.Background(), "i", "e")
		require.NoError(t, err)
		assert.JSONEq(t, `2`, string(v))
		assert.Zero(t, m.Pending("i"))
	})

	t.Run("wait before deliver", func(t *testing.T) {
		m := NewMailbox()
		got := make(chan json.RawMessage, 1)
		go func() {
			v, _ := m.WaitForEvent(context.Background(), "i", "e")
			got <- v
		}()
		require.Eventually(t, func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return len(m.waiters[mailboxKey{"i", "e"}]) == 1
		}, time.Second, time.Millisecond)
		m.Deliver("i", "e", json.RawMessage(`"x"`))
		assert.JSONEq(t, `"x"`, string(<-got))
		assert.Zero(t, m.Pending("i"))
	})

	t.Run("cancel and close", func(t *testing.T) {
		m := NewMailbox()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := m.WaitForEvent(ctx, "i", "e")
		assert.ErrorIs(t, err, context.Canceled)

		m.Deliver("i", "other", json.RawMessage(`1`))
		m.Forget("i")
		assert.Zero(t, m.Pending("i"))

		m.Close()
		_, err = m.WaitForEvent(context.Background(), "i", "e")
		assert.ErrorIs(t, err, domain.ErrEventSourceClosed)
	})
}
