package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/nimbus-durable/internal/async"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/entity"
	"github.com/oriys/nimbus-durable/internal/orchestration"
	"github.com/sirupsen/logrus"
)

// DefaultOrchestrationTimeout 是单次编排执行的默认超时时间。
const DefaultOrchestrationTimeout = 5 * time.Minute

// LocalRunner 是单次执行的 Runner：编排从头运行到结束，不记录也不回放历史。
type LocalRunner struct {
	// Timeout 是单次编排执行的超时时间，0 表示使用默认值
	Timeout time.Duration
}

// NewLocalRunner 创建 LocalRunner。
func NewLocalRunner(timeout time.Duration) *LocalRunner {
	return &LocalRunner{Timeout: timeout}
}

// RunOrchestration 实现 Runner。
// 非法等待以 Go 错误返回；编排自身的失败编码在响应中。
func (r *LocalRunner) RunOrchestration(ctx context.Context, encodedState string, orchestrator orchestration.Orchestrator, cache Cache, services *Services) (string, error) {
	var req OrchestratorRequest
	if err := json.Unmarshal([]byte(encodedState), &req); err != nil {
		return "", fmt.Errorf("%w: orchestrator state: %v", domain.ErrInvalidPayload, err)
	}
	if cache != nil && req.InstanceID != "" {
		if out, ok := cache.Get(req.InstanceID); ok {
			return out, nil
		}
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultOrchestrationTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	octx := newLocalContext(runCtx, &req, services)
	task := orchestrator.Run(octx)
	if task == nil {
		task = async.Completed(nil)
	}
	value, err := task.Await(runCtx)

	resp := OrchestratorResponse{
		InstanceID:   req.InstanceID,
		CustomStatus: octx.customStatus(),
	}
	if err != nil {
		var illegal *domain.IllegalAwaitError
		if errors.As(err, &illegal) {
			return "", err
		}
		// 调用方取消不是编排的结果，不写入响应和缓存
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		resp.Status = domain.InstanceStatusFailed
		resp.Failure = domain.NewFailureDetail(err)
	} else {
		output, merr := marshalOutput(value)
		if merr != nil {
			resp.Status = domain.InstanceStatusFailed
			resp.Failure = domain.NewFailureDetail(merr)
		} else {
			resp.Status = domain.InstanceStatusCompleted
			resp.Output = output
		}
	}

	encoded, err := json.Marshal(&resp)
	if err != nil {
		return "", fmt.Errorf("failed to encode orchestrator response: %w", err)
	}
	if cache != nil && req.InstanceID != "" {
		cache.Put(req.InstanceID, string(encoded))
	}

	services.logger().WithFields(logrus.Fields{
		"instance_id":   req.InstanceID,
		"orchestration": req.Name,
		"status":        resp.Status,
	}).Debug("Orchestration executed")

	return string(encoded), nil
}

// RunEntityBatch 实现 Runner。
// 每个操作在状态快照上执行，失败的操作回滚自己的状态修改，不影响批次中的其他操作。
func (r *LocalRunner) RunEntityBatch(ctx context.Context, encodedBatch string, e entity.Entity, services *Services) (string, error) {
	var req EntityBatchRequest
	if err := json.Unmarshal([]byte(encodedBatch), &req); err != nil {
		return "", fmt.Errorf("%w: entity batch: %v", domain.ErrInvalidPayload, err)
	}

	state := entity.NewState(req.State)
	results := make([]OperationResult, 0, len(req.Operations))
	for _, op := range req.Operations {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		snap := state.Snapshot()
		opctx := &operationContext{entityID: req.InstanceID, op: op, state: state}
		value, err := async.Call(func() (any, error) { return e.Execute(opctx) })
		if err == nil {
			var raw json.RawMessage
			raw, err = marshalOutput(value)
			if err == nil {
				results = append(results, OperationResult{Result: raw})
				continue
			}
		}
		state.Restore(snap)
		results = append(results, OperationResult{Failure: domain.NewFailureDetail(err)})
		services.logger().WithFields(logrus.Fields{
			"entity_id": req.InstanceID,
			"operation": op.Name,
			"error":     err,
		}).Warn("Entity operation failed, state rolled back")
	}

	encoded, err := json.Marshal(&EntityBatchResult{State: state.Raw(), Results: results})
	if err != nil {
		return "", fmt.Errorf("failed to encode entity batch result: %w", err)
	}
	return string(encoded), nil
}

// localContext 是 LocalRunner 的编排上下文实现。
type localContext struct {
	ctx      context.Context
	req      *OrchestratorRequest
	services *Services
	now      time.Time

	mu     sync.Mutex
	status json.RawMessage
}

func newLocalContext(ctx context.Context, req *OrchestratorRequest, services *Services) *localContext {
	now := req.StartedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return &localContext{ctx: ctx, req: req, services: services, now: now}
}

func (c *localContext) InstanceID() string     { return c.req.InstanceID }
func (c *localContext) Name() string           { return c.req.Name }
func (c *localContext) IsReplaying() bool      { return false }
func (c *localContext) CurrentTime() time.Time { return c.now }

func (c *localContext) GetInput(v any) error {
	if len(c.req.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.req.Input, v); err != nil {
		return fmt.Errorf("failed to decode orchestration input: %w", err)
	}
	return nil
}

func (c *localContext) CallActivity(name string, input any) *async.Task {
	if c.services == nil || c.services.Activities == nil {
		return async.Failed(fmt.Errorf("%w: %s", domain.ErrUnregisteredFunction, name))
	}
	raw, err := marshalOutput(input)
	if err != nil {
		return async.Failed(err)
	}
	activities := c.services.Activities
	return async.Go(func() (any, error) {
		out, err := activities.InvokeActivity(c.ctx, name, c.req.InstanceID, string(raw))
		if err != nil {
			if sf, ok := domain.AsSerializationFailure(err); ok {
				return nil, &TaskFailedError{TaskName: name, Detail: sf.Detail}
			}
			return nil, &TaskFailedError{TaskName: name, Detail: domain.NewFailureDetail(err)}
		}
		if out == "" {
			return json.RawMessage(nil), nil
		}
		return json.RawMessage(out), nil
	})
}

func (c *localContext) CreateTimer(d time.Duration) *async.Task {
	task, complete := async.NewTask()
	fireAt := c.now.Add(d)
	timer := time.AfterFunc(d, func() { complete(fireAt, nil) })
	go func() {
		select {
		case <-task.Done():
		case <-c.ctx.Done():
			timer.Stop()
			complete(nil, c.ctx.Err())
		}
	}()
	return task
}

func (c *localContext) WaitForExternalEvent(name string, timeout time.Duration) *async.Task {
	if c.services == nil || c.services.Events == nil {
		return async.Failed(fmt.Errorf("%w: %s", domain.ErrEventSourceClosed, name))
	}
	events := c.services.Events
	return async.Go(func() (any, error) {
		waitCtx := c.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(c.ctx, timeout)
			defer cancel()
		}
		payload, err := events.WaitForEvent(waitCtx, c.req.InstanceID, name)
		if err != nil {
			return nil, err
		}
		return payload, nil
	})
}

func (c *localContext) SetCustomStatus(status any) {
	raw, err := marshalOutput(status)
	if err != nil {
		c.Logger().WithError(err).Warn("Failed to encode custom status")
		return
	}
	c.mu.Lock()
	c.status = raw
	c.mu.Unlock()
}

func (c *localContext) Logger() *logrus.Entry {
	return c.services.logger().WithFields(logrus.Fields{
		"instance_id":   c.req.InstanceID,
		"orchestration": c.req.Name,
	})
}

func (c *localContext) customStatus() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// operationContext 是实体操作的上下文实现。
type operationContext struct {
	entityID string
	op       entity.Operation
	state    *entity.State
}

func (c *operationContext) EntityID() string  { return c.entityID }
func (c *operationContext) Operation() string { return c.op.Name }
func (c *operationContext) HasState() bool    { return c.state.Has() }
func (c *operationContext) GetState(v any) error {
	return c.state.Get(v)
}
func (c *operationContext) SetState(v any) error { return c.state.Set(v) }
func (c *operationContext) DeleteState()         { c.state.Delete() }

func (c *operationContext) GetInput(v any) error {
	if len(c.op.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.op.Input, v); err != nil {
		return fmt.Errorf("failed to decode operation input: %w", err)
	}
	return nil
}
