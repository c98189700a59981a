package orchestration

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/oriys/nimbus-durable/internal/async"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/sirupsen/logrus"
)

// GuardState 是同步执行守卫的状态。
type GuardState int32

// 守卫状态常量定义
const (
	// GuardIdle 表示守卫尚未运行
	GuardIdle GuardState = iota
	// GuardStarted 表示编排函数已开始执行
	GuardStarted
	// GuardCompletedSynchronously 表示编排函数在首次检查时已经完成
	GuardCompletedSynchronously
	// GuardSuspendedAfterAccess 表示编排函数在访问上下文后合法挂起
	GuardSuspendedAfterAccess
	// GuardSuspendedWithoutAccess 表示编排函数在访问上下文前挂起（非法）
	GuardSuspendedWithoutAccess
)

func (s GuardState) String() string {
	switch s {
	case GuardStarted:
		return "Started"
	case GuardCompletedSynchronously:
		return "CompletedSynchronously"
	case GuardSuspendedAfterAccess:
		return "SuspendedAfterAccess"
	case GuardSuspendedWithoutAccess:
		return "SuspendedWithoutAccess"
	}
	return "Idle"
}

// Guard 包装用户编排，检测首次挂起前是否访问过上下文。
// Guard 本身也是 Orchestrator，可直接交给引擎的回放执行器。
type Guard struct {
	name     string
	inner    Orchestrator
	disposer disposer
	logger   *logrus.Logger

	state       atomic.Int32
	disposeOnce sync.Once
	disposeErr  error
}

// NewGuard 为名为 name 的编排创建守卫。释放能力在此时解析一次。
func NewGuard(name string, inner Orchestrator, logger *logrus.Logger) *Guard {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Guard{
		name:     name,
		inner:    inner,
		disposer: resolveDisposer(inner),
		logger:   logger,
	}
}

// State 返回守卫最近一次运行观察到的状态。
func (g *Guard) State() GuardState {
	return GuardState(g.state.Load())
}

// Run 执行被包装的编排。
//
// 完成检查是对任务状态的非阻塞轮询，不会插入额外的挂起点：
//   - 任务已完成：CompletedSynchronously，无论上下文是否被访问
//   - 任务未完成且上下文未被访问：SuspendedWithoutAccess，返回 IllegalAwaitError
//   - 任务未完成且上下文已被访问：SuspendedAfterAccess，继续等待任务完成
func (g *Guard) Run(ctx OrchestrationContext) *async.Task {
	g.state.Store(int32(GuardStarted))

	tracker := NewAccessTracker(g.name)
	task := g.start(tracker.Wrap(ctx))

	if task.IsDone() {
		g.state.Store(int32(GuardCompletedSynchronously))
		return task
	}

	if !tracker.WasAccessed() {
		g.state.Store(int32(GuardSuspendedWithoutAccess))
		g.logger.WithFields(logrus.Fields{
			"function": g.name,
			"state":    GuardSuspendedWithoutAccess.String(),
		}).Warn("Orchestrator suspended before using its context")
		return async.Failed(domain.NewIllegalAwaitError(g.name))
	}

	g.state.Store(int32(GuardSuspendedAfterAccess))
	return async.Then(task, func(value any, err error) (any, error) {
		if aerr := tracker.AssertAccessed(); aerr != nil {
			return nil, aerr
		}
		return value, err
	})
}

// start 调用用户代码，同步阶段的 panic 会转换为失败的任务。
func (g *Guard) start(ctx OrchestrationContext) (task *async.Task) {
	defer func() {
		if r := recover(); r != nil {
			task = async.Failed(async.NewPanicError(r))
		}
	}()
	task = g.inner.Run(ctx)
	if task == nil {
		task = async.Completed(nil)
	}
	return task
}

// Dispose 释放被包装的编排实例，无论走了哪个分支都只执行一次。
func (g *Guard) Dispose(ctx context.Context) error {
	g.disposeOnce.Do(func() {
		g.disposeErr = g.disposer.dispose(ctx)
		if g.disposeErr != nil {
			g.logger.WithError(g.disposeErr).WithFields(logrus.Fields{
				"function": g.name,
				"dispose":  g.disposer.kind.String(),
			}).Warn("Failed to dispose orchestrator")
		}
	})
	return g.disposeErr
}
