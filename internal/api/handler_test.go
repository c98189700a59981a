package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oriys/nimbus-durable/internal/async"
	"github.com/oriys/nimbus-durable/internal/dispatch"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/engine"
	"github.com/oriys/nimbus-durable/internal/orchestration"
	"github.com/oriys/nimbus-durable/internal/taskhub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRegistry(t *testing.T) *dispatch.Registry {
	t.Helper()
	reg := dispatch.NewRegistry()
	require.NoError(t, reg.AddOrchestrator("Echo", func() orchestration.Orchestrator {
		return orchestration.Sync(func(ctx orchestration.OrchestrationContext) (any, error) {
			var v any
			if err := ctx.GetInput(&v); err != nil {
				return nil, err
			}
			return v, nil
		})
	}))
	require.NoError(t, reg.AddOrchestrator("Failing", func() orchestration.Orchestrator {
		return orchestration.Sync(func(orchestration.OrchestrationContext) (any, error) {
			return nil, errors.New("kaboom")
		})
	}))
	require.NoError(t, reg.AddOrchestrator("Approval", func() orchestration.Orchestrator {
		return orchestration.OrchestratorFunc(func(ctx orchestration.OrchestrationContext) *async.Task {
			return ctx.WaitForExternalEvent("Approved", 0)
		})
	}))
	v2 := "2"
	require.NoError(t, reg.AddOrchestratorVersion("Echo", &v2, func() orchestration.Orchestrator {
		return orchestration.Sync(func(orchestration.OrchestrationContext) (any, error) { return "v2", nil })
	}))
	require.NoError(t, reg.AddActivity("Noop", dispatch.ActivityFunc(func(context.Context, string) (any, error) {
		return nil, nil
	})))
	return reg
}

func newTestServer(t *testing.T) (*httptest.Server, *taskhub.Hub) {
	t.Helper()
	logger := quietLogger()
	reg := testRegistry(t)
	mailbox := taskhub.NewMailbox()
	d := dispatch.New(reg, engine.NewLocalRunner(5*time.Second),
		dispatch.WithLogger(logger),
		dispatch.WithEventSource(mailbox),
	)
	cfg := taskhub.DefaultConfig()
	cfg.Workers = 2
	cfg.PurgeSchedule = ""
	hub := taskhub.New(cfg, taskhub.NewMemoryStore(), d, mailbox, taskhub.WithLogger(logger))
	require.NoError(t, hub.Start())
	t.Cleanup(func() { _ = hub.Stop() })

	h := NewHandler(hub, reg, logger, WithRetryAfter(3))
	srv := httptest.NewServer(NewRouter(&RouterConfig{
		Handler:  h,
		Logger:   logger,
		Gatherer: prometheus.NewRegistry(),
	}))
	t.Cleanup(srv.Close)
	return srv, hub
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func waitTerminal(t *testing.T, hub *taskhub.Hub, id string) *domain.OrchestrationInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := hub.WaitForCompletion(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	return inst
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartOrchestration(t *testing.T) {
	srv, hub := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/orchestrators/Echo/order-1", `{"qty":2}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("Retry-After"))

	var cs CheckStatusResponse
	decode(t, resp, &cs)
	assert.Equal(t, "order-1", cs.ID)
	assert.Equal(t, srv.URL+instancesPath+"/order-1", cs.StatusQueryGetURI)
	assert.Equal(t, cs.StatusQueryGetURI, resp.Header.Get("Location"))
	assert.Equal(t, cs.StatusQueryGetURI+"/raiseEvent/{eventName}", cs.SendEventPostURI)
	assert.Equal(t, cs.StatusQueryGetURI, cs.PurgeHistoryDeleteURI)

	waitTerminal(t, hub, "order-1")
	resp = do(t, http.MethodGet, cs.StatusQueryGetURI, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inst domain.OrchestrationInstance
	decode(t, resp, &inst)
	assert.Equal(t, domain.InstanceStatusCompleted, inst.Status)
	assert.JSONEq(t, `{"qty":2}`, string(inst.Output))
}

func TestStartOrchestrationGeneratesID(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/orchestrators/Echo", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var cs CheckStatusResponse
	decode(t, resp, &cs)
	assert.NotEmpty(t, cs.ID)
}

func TestStartOrchestrationErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unregistered", "/api/orchestrators/Missing", "", http.StatusNotFound},
		{"activity is not an orchestrator", "/api/orchestrators/Noop", "", http.StatusNotFound},
		{"invalid json", "/api/orchestrators/Echo", "{not json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			var e ErrorResponse
			decode(t, resp, &e)
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestStartDuplicateRunningInstance(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/orchestrators/Approval/dup", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/orchestrators/Approval/dup", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestVersionedOrchestrator(t *testing.T) {
	srv, hub := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/orchestrators/Echo@2/v", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	inst := waitTerminal(t, hub, "v")
	assert.JSONEq(t, `"v2"`, string(inst.Output))
}

func TestGetStatus(t *testing.T) {
	srv, hub := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+instancesPath+"/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	do(t, http.MethodPost, srv.URL+"/api/orchestrators/Failing/bad", "")
	waitTerminal(t, hub, "bad")
	resp = do(t, http.MethodGet, srv.URL+instancesPath+"/bad", "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var failed domain.OrchestrationInstance
	decode(t, resp, &failed)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, "kaboom", failed.Failure.ErrorMessage)

	do(t, http.MethodPost, srv.URL+"/api/orchestrators/Approval/pending", "")
	resp = do(t, http.MethodGet, srv.URL+instancesPath+"/pending", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, srv.URL+instancesPath+"/pending", resp.Header.Get("Location"))
	assert.Equal(t, "3", resp.Header.Get("Retry-After"))
}

func TestRaiseEventAndPurge(t *testing.T) {
	srv, hub := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/api/orchestrators/Approval/appr", "")
	base := srv.URL + instancesPath + "/appr"

	resp := do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, base+"/raiseEvent/Approved", "{bad")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, base+"/raiseEvent/Approved", "true")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	inst := waitTerminal(t, hub, "appr")
	assert.Equal(t, domain.InstanceStatusCompleted, inst.Status)
	assert.JSONEq(t, "true", string(inst.Output))

	resp = do(t, http.MethodPost, base+"/raiseEvent/Approved", "true")
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp = do(t, http.MethodDelete, base, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var purged map[string]int
	decode(t, resp, &purged)
	assert.Equal(t, 1, purged["instancesDeleted"])

	resp = do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+instancesPath+"/ghost/raiseEvent/Approved", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartAndWait(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/orchestrators/Echo/wait?timeout=5s&interval=10ms", `"done"`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out string
	decode(t, resp, &out)
	assert.Equal(t, "done", out)

	resp = do(t, http.MethodPost, srv.URL+"/api/orchestrators/Failing/wait?timeout=5", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/orchestrators/Approval/wait?timeout=50ms&instanceId=slow", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var cs CheckStatusResponse
	decode(t, resp, &cs)
	assert.Equal(t, "slow", cs.ID)

	resp = do(t, http.MethodPost, srv.URL+"/api/orchestrators/Echo/wait?timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListFunctionsAndInstances(t *testing.T) {
	srv, hub := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/admin/functions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Functions []FunctionMetadata `json:"functions"`
	}
	decode(t, resp, &body)
	var keys []string
	for _, fn := range body.Functions {
		keys = append(keys, fn.Key)
		assert.Equal(t, dispatch.DirectEntryPoint, fn.EntryPoint)
		require.Len(t, fn.Bindings, 1)
		assert.Equal(t, fn.Kind.BindingType(), fn.Bindings[0].Type)
	}
	assert.ElementsMatch(t, []string{"Approval", "Echo", "Echo@2", "Failing", "Noop"}, keys)

	resp = do(t, http.MethodGet, srv.URL+instancesPath, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty []domain.OrchestrationInstance
	decode(t, resp, &empty)
	assert.Empty(t, empty)

	do(t, http.MethodPost, srv.URL+"/api/orchestrators/Echo/one", "1")
	waitTerminal(t, hub, "one")
	resp = do(t, http.MethodGet, srv.URL+instancesPath, "")
	var list []domain.OrchestrationInstance
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "one", list[0].InstanceID)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInstanceNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: x", domain.ErrUnregisteredFunction), http.StatusNotFound},
		{domain.ErrInvalidPayload, http.StatusBadRequest},
		{domain.ErrInvalidFunctionName, http.StatusBadRequest},
		{domain.ErrInstanceExists, http.StatusConflict},
		{domain.ErrInstanceNotCompleted, http.StatusConflict},
		{domain.ErrInstanceCompleted, http.StatusGone},
		{domain.ErrQueueFull, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = parseDuration("15", 0)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, d)

	d, err = parseDuration("250ms", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = parseDuration("-1", 0)
	assert.Error(t, err)
	_, err = parseDuration("-1s", 0)
	assert.Error(t, err)
	_, err = parseDuration("later", 0)
	assert.Error(t, err)
}
