package telemetry

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// LogrusHook 把日志条目上下文中的追踪标识写入 trace_id、span_id 字段。
//
// 使用示例：
//
//	logger := logrus.New()
//	logger.AddHook(telemetry.NewLogrusHook())
//	logger.WithContext(ctx).Info("dispatching")
type LogrusHook struct{}

// NewLogrusHook 创建 LogrusHook。
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 实现 logrus.Hook，所有级别都触发。
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 实现 logrus.Hook。
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(entry.Context)
	if !sc.IsValid() {
		return nil
	}
	entry.Data["trace_id"] = sc.TraceID().String()
	entry.Data["span_id"] = sc.SpanID().String()
	if sc.IsSampled() {
		entry.Data["trace_sampled"] = true
	}
	return nil
}

// EntryWithTraceContext 向日志条目追加追踪字段；上下文中没有有效 Span 时原样返回。
func EntryWithTraceContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return entry
	}
	return entry.WithFields(logrus.Fields{
		"trace_id":      sc.TraceID().String(),
		"span_id":       sc.SpanID().String(),
		"trace_sampled": sc.IsSampled(),
	})
}
