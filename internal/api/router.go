// Package api 提供了 Durable 工作进程的 HTTP 轮询接口。
// 该文件负责配置HTTP路由器和中间件，将HTTP请求映射到相应的处理器方法。
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/nimbus-durable/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler API处理器
	Handler *Handler
	// Logger 日志记录器
	Logger *logrus.Logger
	// Gatherer 指标采集器（可选，为空时不注册 /metrics）
	Gatherer prometheus.Gatherer
	// ServiceName 遥测中间件使用的服务名称
	ServiceName string
}

// NewRouter 创建并配置HTTP路由器。
//
// 路由结构：
//
//	/health                                                      - 健康检查
//	/metrics                                                     - Prometheus指标端点
//	/admin/functions                                             - 已注册函数的宿主元数据
//	/api/orchestrators/{name}[/{instanceId}]                     - 启动编排实例
//	/api/orchestrators/{name}/wait                               - 启动并等待完成
//	/runtime/webhooks/durabletask/instances                      - 实例列表
//	/runtime/webhooks/durabletask/instances/{id}                 - 查询状态 / 清理历史
//	/runtime/webhooks/durabletask/instances/{id}/raiseEvent/{ev} - 投递外部事件
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "nimbus-durable-api"
	}
	// 遥测中间件：记录HTTP请求的追踪信息
	r.Use(telemetry.HTTPMiddleware(serviceName))
	// RequestID中间件：为每个请求生成唯一ID，便于日志追踪
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// Recoverer中间件：捕获panic并返回500错误，防止服务崩溃
	r.Use(middleware.Recoverer)
	// 等待接口可能长时间挂起，超时要比最长等待时间宽松
	r.Use(middleware.Timeout(maxWaitTimeout + 30*time.Second))

	r.Get("/health", h.Health)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/admin/functions", h.ListFunctions)

	r.Route("/api/orchestrators/{name}", func(r chi.Router) {
		// POST /api/orchestrators/{name} - 启动编排实例，实例 ID 自动生成
		r.Post("/", h.StartOrchestration)
		// POST /api/orchestrators/{name}/wait - 启动编排并等待结果
		r.Post("/wait", h.StartAndWait)
		// POST /api/orchestrators/{name}/{instanceId} - 以指定实例 ID 启动
		r.Post("/{instanceId}", h.StartOrchestration)
	})

	r.Route(instancesPath, func(r chi.Router) {
		r.Get("/", h.ListInstances)
		r.Route("/{id}", func(r chi.Router) {
			// GET - 查询实例状态
			r.Get("/", h.GetStatus)
			// DELETE - 清理已结束实例的历史
			r.Delete("/", h.PurgeInstance)
			// POST raiseEvent/{event} - 投递外部事件
			r.Post("/raiseEvent/{event}", h.RaiseEvent)
		})
	})

	return r
}
