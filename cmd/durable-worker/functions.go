package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oriys/nimbus-durable/internal/async"
	"github.com/oriys/nimbus-durable/internal/dispatch"
	"github.com/oriys/nimbus-durable/internal/entity"
	"github.com/oriys/nimbus-durable/internal/orchestration"
)

// 默认启用的城市列表，HelloCities 输入为空时使用
var defaultCities = []string{"Tokyo", "Seattle", "London"}

// approvalTimeout 是 Approval 编排等待审批事件的最长时间，需小于 engine.orchestration_timeout
const approvalTimeout = 3 * time.Minute

// registerFunctions 注册工作进程内置的示例函数。
func registerFunctions(reg *dispatch.Registry) error {
	if err := reg.AddActivity("SayHello", dispatch.ActivityFunc(sayHello)); err != nil {
		return err
	}
	if err := reg.AddOrchestrator("HelloCities", func() orchestration.Orchestrator {
		return orchestration.OrchestratorFunc(helloCities)
	}); err != nil {
		return err
	}
	if err := reg.AddOrchestrator("Approval", func() orchestration.Orchestrator {
		return orchestration.OrchestratorFunc(approval)
	}); err != nil {
		return err
	}
	return reg.AddEntity("Counter", func() entity.Entity {
		return entity.Func(counter)
	})
}

func sayHello(_ context.Context, input string) (any, error) {
	var name string
	if err := json.Unmarshal([]byte(input), &name); err != nil {
		return nil, fmt.Errorf("SayHello expects a JSON string: %w", err)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("SayHello: name is empty")
	}
	return "Hello " + name + "!", nil
}

// helloCities 并行调用 SayHello 并按输入顺序返回问候语。
func helloCities(ctx orchestration.OrchestrationContext) *async.Task {
	var cities []string
	if err := ctx.GetInput(&cities); err != nil {
		return async.Failed(err)
	}
	if len(cities) == 0 {
		cities = defaultCities
	}

	tasks := make([]*async.Task, 0, len(cities))
	for _, city := range cities {
		tasks = append(tasks, ctx.CallActivity("SayHello", city))
	}
	return async.Then(async.WhenAll(tasks...), func(value any, err error) (any, error) {
		if err != nil {
			return nil, err
		}
		results := value.([]any)
		greetings := make([]string, 0, len(results))
		for _, r := range results {
			var s string
			if err := orchestration.Decode(r, &s); err != nil {
				return nil, err
			}
			greetings = append(greetings, s)
		}
		return greetings, nil
	})
}

// ApprovalRequest 是 Approval 编排的输入
type ApprovalRequest struct {
	Item      string `json:"item"`
	Requester string `json:"requester"`
}

// ApprovalDecision 是 Approval 编排的输出
type ApprovalDecision struct {
	Item     string `json:"item"`
	Approved bool   `json:"approved"`
}

// approval 等待 Approved 事件；事件载荷为布尔值。
func approval(ctx orchestration.OrchestrationContext) *async.Task {
	var req ApprovalRequest
	if err := ctx.GetInput(&req); err != nil {
		return async.Failed(err)
	}
	ctx.SetCustomStatus(map[string]string{"stage": "waiting", "item": req.Item})

	return async.Then(ctx.WaitForExternalEvent("Approved", approvalTimeout), func(value any, err error) (any, error) {
		if err != nil {
			return nil, err
		}
		var approved bool
		if err := orchestration.Decode(value, &approved); err != nil {
			return nil, fmt.Errorf("Approved event expects a boolean: %w", err)
		}
		ctx.SetCustomStatus(map[string]string{"stage": "decided", "item": req.Item})
		ctx.Logger().WithField("approved", approved).Info("Approval decided")
		return ApprovalDecision{Item: req.Item, Approved: approved}, nil
	})
}

// counter 实体支持 add、get 和 reset 操作。
func counter(ctx entity.OperationContext) (any, error) {
	var n int
	if ctx.HasState() {
		if err := ctx.GetState(&n); err != nil {
			return nil, err
		}
	}

	switch ctx.Operation() {
	case "add":
		var delta int
		if err := ctx.GetInput(&delta); err != nil {
			return nil, err
		}
		n += delta
		return n, ctx.SetState(n)
	case "get":
		return n, nil
	case "reset":
		ctx.DeleteState()
		return 0, nil
	}
	return nil, fmt.Errorf("Counter: unknown operation %q", ctx.Operation())
}
