// Package metrics 提供 Prometheus 指标采集的统一封装。
// 该包集中定义工作进程的关键指标（分派、监听器、任务中心），便于在各模块复用并保持标签一致。
// 所有记录方法在 nil 接收者上都是空操作，未配置指标的组件可以直接传 nil。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装工作进程指标集合。
//
// 指标分类:
//   - 分派指标: 按触发器类型统计调用次数、耗时和失败
//   - 监听器指标: 端口协商与绑定重试
//   - RPC 指标: 侧通道请求
//   - 任务中心指标: 队列深度、实例终态和清理
type Metrics struct {
	// ========== 分派相关指标 ==========

	// DispatchTotal 分派总次数
	// 标签: kind, function, status
	DispatchTotal *prometheus.CounterVec

	// DispatchDuration 分派耗时直方图（单位：毫秒）
	// 标签: kind
	DispatchDuration *prometheus.HistogramVec

	// IllegalAwaits 非法等待次数
	// 标签: function
	IllegalAwaits *prometheus.CounterVec

	// SerializationFailures 活动失败被转换为 SerializationFailure 的次数
	// 标签: function
	SerializationFailures *prometheus.CounterVec

	// ========== 监听器相关指标 ==========

	// ListenerBindAttempts 绑定尝试次数
	// 标签: mode, result (ok/conflict)
	ListenerBindAttempts *prometheus.CounterVec

	// PortFallbacks 默认端口被占用、转而探测回退区间的次数
	PortFallbacks prometheus.Counter

	// ========== RPC 相关指标 ==========

	// RPCRequests RPC 请求次数
	// 标签: method, code
	RPCRequests *prometheus.CounterVec

	// ========== 任务中心相关指标 ==========

	// HubQueueSize 等待执行的编排数
	HubQueueSize prometheus.Gauge

	// HubInstancesFinished 到达终态的实例数
	// 标签: status
	HubInstancesFinished *prometheus.CounterVec

	// HubInstancesPurged 被清理的实例数
	HubInstancesPurged prometheus.Counter
}

// NewMetrics 创建一组指标并注册到 reg；reg 为 nil 时使用 prometheus.DefaultRegisterer。
// namespace 作为所有指标名前缀。
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of dispatched invocations",
			},
			[]string{"kind", "function", "status"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_ms",
				Help:      "Invocation dispatch duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 50, 100, 250, 500, 1000, 5000},
			},
			[]string{"kind"},
		),
		IllegalAwaits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "illegal_awaits_total",
				Help:      "Orchestrators that suspended before using their context",
			},
			[]string{"function"},
		),
		SerializationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "serialization_failures_total",
				Help:      "Activity failures converted to failure details",
			},
			[]string{"function"},
		),
		ListenerBindAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "listener_bind_attempts_total",
				Help:      "Listener bind attempts by strategy and result",
			},
			[]string{"mode", "result"},
		),
		PortFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "listener_port_fallbacks_total",
				Help:      "Times the default port was busy and the fallback range was probed",
			},
		),
		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_requests_total",
				Help:      "Worker RPC requests by method and status code",
			},
			[]string{"method", "code"},
		),
		HubQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "taskhub_queue_size",
				Help:      "Orchestrations waiting for a worker",
			},
		),
		HubInstancesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "taskhub_instances_finished_total",
				Help:      "Orchestration instances that reached a terminal status",
			},
			[]string{"status"},
		),
		HubInstancesPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "taskhub_instances_purged_total",
				Help:      "Orchestration instances removed from the store",
			},
		),
	}
}

// RecordDispatch 记录一次分派。
func (m *Metrics) RecordDispatch(kind, function, status string, durationMs float64) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(kind, function, status).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(durationMs)
}

// RecordIllegalAwait 记录一次非法等待。
func (m *Metrics) RecordIllegalAwait(function string) {
	if m == nil {
		return
	}
	m.IllegalAwaits.WithLabelValues(function).Inc()
}

// RecordSerializationFailure 记录一次活动失败转换。
func (m *Metrics) RecordSerializationFailure(function string) {
	if m == nil {
		return
	}
	m.SerializationFailures.WithLabelValues(function).Inc()
}

// RecordBindAttempt 记录一次绑定尝试。
func (m *Metrics) RecordBindAttempt(mode string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "conflict"
	}
	m.ListenerBindAttempts.WithLabelValues(mode, result).Inc()
}

// RecordPortFallback 记录一次端口回退。
func (m *Metrics) RecordPortFallback() {
	if m == nil {
		return
	}
	m.PortFallbacks.Inc()
}

// RecordRPC 记录一次 RPC 请求。
func (m *Metrics) RecordRPC(method, code string) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(method, code).Inc()
}

// SetQueueSize 更新任务中心队列深度。
func (m *Metrics) SetQueueSize(n int) {
	if m == nil {
		return
	}
	m.HubQueueSize.Set(float64(n))
}

// RecordInstanceFinished 记录实例到达终态。
func (m *Metrics) RecordInstanceFinished(status string) {
	if m == nil {
		return
	}
	m.HubInstancesFinished.WithLabelValues(status).Inc()
}

// RecordPurged 记录清理的实例数。
func (m *Metrics) RecordPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HubInstancesPurged.Add(float64(n))
}
