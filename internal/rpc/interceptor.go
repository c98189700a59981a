package rpc

import (
	"context"
	"time"

	"github.com/oriys/nimbus-durable/internal/metrics"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor 记录每次调用的日志和指标。
func UnaryServerInterceptor(logger *logrus.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		m.RecordRPC(info.FullMethod, code.String())

		entry := logger.WithContext(ctx).WithFields(logrus.Fields{
			"method":      info.FullMethod,
			"code":        code.String(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			entry.WithError(err).Warn("RPC call failed")
		} else {
			entry.Debug("RPC call completed")
		}
		return resp, err
	}
}
