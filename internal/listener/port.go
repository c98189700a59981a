package listener

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"

	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/metrics"
	"github.com/sirupsen/logrus"
)

// PortNegotiator 查找可用的回环端口。
//
// 先尝试默认端口，被占用时在回退区间内随机探测。探测是"监听后立即关闭"，
// 与随后的真实绑定之间存在竞争窗口，由调用方的绑定重试兜底。
type PortNegotiator struct {
	host        string
	defaultPort int
	min, max    int
	attempts    int
	logger      *logrus.Logger
	metrics     *metrics.Metrics

	probe func(host string, port int) bool
	intn  func(n int) int
}

// NewPortNegotiator 根据配置创建端口协商器。
func NewPortNegotiator(cfg Config, logger *logrus.Logger, m *metrics.Metrics) *PortNegotiator {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PortNegotiator{
		host:        cfg.Host,
		defaultPort: cfg.DefaultPort,
		min:         cfg.FallbackMin,
		max:         cfg.FallbackMax,
		attempts:    cfg.ProbeAttempts,
		logger:      logger,
		metrics:     m,
		probe:       probePort,
		intn:        rand.Intn,
	}
}

// FindPort 返回一个当前可用的端口，exclude 中的端口不会被返回。
// 所有探测都失败时返回包装了 domain.ErrPortExhaustion 的错误。
func (n *PortNegotiator) FindPort(exclude ...int) (int, error) {
	skip := make(map[int]struct{}, len(exclude))
	for _, p := range exclude {
		skip[p] = struct{}{}
	}

	if _, excluded := skip[n.defaultPort]; !excluded {
		if n.probe(n.host, n.defaultPort) {
			return n.defaultPort, nil
		}
		n.metrics.RecordPortFallback()
		n.logger.WithFields(logrus.Fields{
			"port":         n.defaultPort,
			"fallback_min": n.min,
			"fallback_max": n.max,
		}).Info("Default port is in use, probing fallback range")
	}

	span := n.max - n.min
	if span <= 0 {
		return 0, fmt.Errorf("%w: empty fallback range %d-%d", domain.ErrPortExhaustion, n.min, n.max)
	}
	for i := 0; i < n.attempts; i++ {
		port := n.min + n.intn(span)
		if _, excluded := skip[port]; excluded {
			continue
		}
		if n.probe(n.host, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: tried %d candidates in %d-%d", domain.ErrPortExhaustion, n.attempts, n.min, n.max)
}

func probePort(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// ProbePort 报告 host:port 当前是否可以绑定。
func ProbePort(host string, port int) bool {
	return probePort(host, port)
}
