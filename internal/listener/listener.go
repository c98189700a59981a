package listener

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/metrics"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// State 是监听器生命周期状态。
type State int

// 生命周期状态常量定义
const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	}
	return "NotStarted"
}

// Listener 是侧通道监听器的生命周期契约。
type Listener interface {
	// Start 协商端口并开始服务
	Start(ctx context.Context) error
	// Stop 停止服务并释放端口；重复调用或从未成功启动时返回 nil
	Stop(ctx context.Context) error
	// ListenAddress 返回 http://127.0.0.1:<port> 形式的地址，未运行时返回空字符串
	ListenAddress() string
	// State 返回当前状态
	State() State
}

// Registrar 在新建的 gRPC 服务器上注册服务。
// 直连策略在绑定冲突后会重建服务器，因此 Registrar 可能被调用多次。
type Registrar func(s grpc.ServiceRegistrar)

// Option 配置监听器。
type Option func(*options)

type options struct {
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	serverOpts []grpc.ServerOption
	negotiator *PortNegotiator
}

// WithLogger 设置日志记录器。
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithServerOptions 追加 gRPC 服务器选项（例如拦截器）。
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) { o.serverOpts = append(o.serverOpts, opts...) }
}

// WithNegotiator 替换端口协商器。
func WithNegotiator(n *PortNegotiator) Option {
	return func(o *options) { o.negotiator = n }
}

// New 按 cfg.Mode 创建监听器。
func New(cfg Config, register Registrar, opts ...Option) (Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid listener config: %w", err)
	}
	mode, _ := ParseMode(string(cfg.Mode))
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	if o.negotiator == nil {
		o.negotiator = NewPortNegotiator(cfg, o.logger, o.metrics)
	}

	base := &lifecycle{cfg: cfg, mode: mode, register: register, opts: o}
	switch mode {
	case ModeDirect:
		return &DirectListener{lifecycle: base}, nil
	default:
		return &EmbeddedListener{lifecycle: base}, nil
	}
}

// lifecycle 是两种策略共享的状态机与服务器构造逻辑。
type lifecycle struct {
	cfg      Config
	mode     Mode
	register Registrar
	opts     *options

	mu    sync.Mutex
	state State
	port  int
	// started 在 Start 离开 Starting 状态时关闭
	started chan struct{}
	// stopRequested 表示 Starting 期间有 Stop 超时放弃等待，Start 完成后自行关闭
	stopRequested bool
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) ListenAddress() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning {
		return ""
	}
	return addressURI(l.cfg.Host, l.port)
}

// Port 返回绑定的端口，未运行时返回 0。
func (l *lifecycle) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning {
		return 0
	}
	return l.port
}

// beginStart 进入 Starting；只能从 NotStarted 启动。
func (l *lifecycle) beginStart() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateNotStarted {
		return fmt.Errorf("%w: state %s", domain.ErrListenerAlreadyStarted, l.state)
	}
	l.state = StateStarting
	l.started = make(chan struct{})
	return nil
}

// setRunning 进入 Running；返回 true 表示启动期间已请求停止，调用方必须立即关闭。
func (l *lifecycle) setRunning(port int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state, l.port = StateRunning, port
	close(l.started)
	return l.stopRequested
}

// failStart 记录启动失败；没有获得任何资源，后续 Stop 是空操作。
func (l *lifecycle) failStart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateStopped
	close(l.started)
}

// beginStop 进入 Stopping；返回 false 表示没有需要释放的资源。
// 处于 Starting 时等待 Start 结束；ctx 先结束则把关闭交给 Start。
func (l *lifecycle) beginStop(ctx context.Context) bool {
	for {
		l.mu.Lock()
		switch l.state {
		case StateRunning:
			l.state = StateStopping
			l.mu.Unlock()
			return true
		case StateNotStarted:
			l.state = StateStopped
		case StateStarting:
			started := l.started
			l.mu.Unlock()
			select {
			case <-started:
				continue
			case <-ctx.Done():
			}
			l.mu.Lock()
			if l.state == StateStarting {
				l.stopRequested = true
				l.mu.Unlock()
				return false
			}
			l.mu.Unlock()
			continue
		}
		l.mu.Unlock()
		return false
	}
}

// stopDuringStartup 关闭在启动期间被请求停止的监听器。
func (l *lifecycle) stopDuringStartup(stop func(context.Context) error) error {
	if err := stop(context.Background()); err != nil {
		l.logger().WithError(err).Warn("Failed to stop listener after startup")
	}
	return fmt.Errorf("%w: stopped during startup", domain.ErrListenerNotRunning)
}

func (l *lifecycle) setStopped() {
	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()
}

// newGRPCServer 创建注册了业务服务和健康检查服务的 gRPC 服务器。
func (l *lifecycle) newGRPCServer() (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(l.opts.serverOpts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if l.register != nil {
		l.register(gs)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return gs, hs
}

// bind 协商端口并绑定，绑定冲突（探测后端口被抢占）时换一个候选端口重试。
// prepare 在每次尝试前调用，conflict 在每次冲突后调用，用于重建服务器。
func (l *lifecycle) bind(ctx context.Context, prepare func(), conflict func(port int)) (net.Listener, int, error) {
	var attempted []int
	var lastErr error
	for attempt := 1; attempt <= l.cfg.BindAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		port, err := l.opts.negotiator.FindPort(attempted...)
		if err != nil {
			return nil, 0, &domain.ListenerStartupError{Attempts: len(attempted), Ports: attempted, Err: err}
		}
		if prepare != nil {
			prepare()
		}

		ln, err := net.Listen("tcp", hostPort(l.cfg.Host, port))
		if err == nil {
			l.opts.metrics.RecordBindAttempt(string(l.mode), true)
			return ln, port, nil
		}

		lastErr = err
		attempted = append(attempted, port)
		l.opts.metrics.RecordBindAttempt(string(l.mode), false)
		l.logger().WithFields(logrus.Fields{
			"port":    port,
			"attempt": attempt,
			"error":   err,
		}).Warn("Port was taken between probe and bind, retrying")
		if conflict != nil {
			conflict(port)
		}
		if err := sleepBackoff(ctx, l.cfg.RetryBackoff); err != nil {
			return nil, 0, err
		}
	}
	return nil, 0, &domain.ListenerStartupError{Attempts: len(attempted), Ports: attempted, Err: lastErr}
}

func (l *lifecycle) logger() *logrus.Entry {
	return l.opts.logger.WithField("listener", string(l.mode))
}

func (l *lifecycle) shutdownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.cfg.ShutdownTimeout)
}

// sleepBackoff 在两次绑定尝试之间等待，ctx 取消时提前返回。
func sleepBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func addressURI(host string, port int) string {
	return "http://" + hostPort(host, port)
}
