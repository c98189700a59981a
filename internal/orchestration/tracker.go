package orchestration

import (
	"sync/atomic"
	"time"

	"github.com/oriys/nimbus-durable/internal/async"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/sirupsen/logrus"
)

// AccessTracker 记录编排上下文是否已被用户代码访问。
// 标志是单调的：一旦置位，在本次调用的生命周期内不会被清除。
type AccessTracker struct {
	functionName string
	accessed     atomic.Bool
}

// NewAccessTracker 为一次编排调用创建新的访问跟踪器。
func NewAccessTracker(functionName string) *AccessTracker {
	return &AccessTracker{functionName: functionName}
}

// Wrap 返回 ctx 的代理，任何方法调用都会先置位访问标志再委托给 ctx。
func (t *AccessTracker) Wrap(ctx OrchestrationContext) OrchestrationContext {
	return &trackedContext{inner: ctx, tracker: t}
}

// WasAccessed 返回当前的访问标志。
func (t *AccessTracker) WasAccessed() bool {
	return t.accessed.Load()
}

// AssertAccessed 在上下文从未被访问时返回 IllegalAwaitError。
func (t *AccessTracker) AssertAccessed() error {
	if !t.accessed.Load() {
		return domain.NewIllegalAwaitError(t.functionName)
	}
	return nil
}

func (t *AccessTracker) touch() {
	t.accessed.Store(true)
}

// trackedContext 是 OrchestrationContext 的访问跟踪代理。
type trackedContext struct {
	inner   OrchestrationContext
	tracker *AccessTracker
}

func (c *trackedContext) InstanceID() string {
	c.tracker.touch()
	return c.inner.InstanceID()
}

func (c *trackedContext) Name() string {
	c.tracker.touch()
	return c.inner.Name()
}

func (c *trackedContext) IsReplaying() bool {
	c.tracker.touch()
	return c.inner.IsReplaying()
}

func (c *trackedContext) CurrentTime() time.Time {
	c.tracker.touch()
	return c.inner.CurrentTime()
}

func (c *trackedContext) GetInput(v any) error {
	c.tracker.touch()
	return c.inner.GetInput(v)
}

func (c *trackedContext) CallActivity(name string, input any) *async.Task {
	c.tracker.touch()
	return c.inner.CallActivity(name, input)
}

func (c *trackedContext) CreateTimer(d time.Duration) *async.Task {
	c.tracker.touch()
	return c.inner.CreateTimer(d)
}

func (c *trackedContext) WaitForExternalEvent(name string, timeout time.Duration) *async.Task {
	c.tracker.touch()
	return c.inner.WaitForExternalEvent(name, timeout)
}

func (c *trackedContext) SetCustomStatus(status any) {
	c.tracker.touch()
	c.inner.SetCustomStatus(status)
}

func (c *trackedContext) Logger() *logrus.Entry {
	c.tracker.touch()
	return c.inner.Logger()
}
