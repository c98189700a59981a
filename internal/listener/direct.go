package listener

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// DirectListener 直接在回环端口上运行原生 gRPC 服务器。
// 绑定冲突时关闭旧服务器、重建新服务器并换一个候选端口，最多 BindAttempts 次。
type DirectListener struct {
	*lifecycle

	grpc   *grpc.Server
	health *health.Server
	done   chan error
}

// Start 实现 Listener。
func (l *DirectListener) Start(ctx context.Context) error {
	if err := l.beginStart(); err != nil {
		return err
	}

	var gs *grpc.Server
	var hs *health.Server
	prepare := func() {
		gs, hs = l.newGRPCServer()
	}
	conflict := func(int) {
		// 旧服务器从未开始服务，Stop 只释放其内部资源
		stopQuietly(gs)
		gs, hs = nil, nil
	}

	ln, port, err := l.bind(ctx, prepare, conflict)
	if err != nil {
		stopQuietly(gs)
		l.failStart()
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- gs.Serve(ln)
	}()

	l.grpc, l.health, l.done = gs, hs, done
	if l.setRunning(port) {
		return l.stopDuringStartup(l.Stop)
	}
	l.logger().WithField("address", addressURI(l.cfg.Host, port)).Info("Durable worker listener started")
	return nil
}

// Stop 实现 Listener。优雅关闭超时后强制停止。
func (l *DirectListener) Stop(ctx context.Context) error {
	if !l.beginStop(ctx) {
		return nil
	}
	ctx, cancel := l.shutdownContext(ctx)
	defer cancel()

	l.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		l.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		l.grpc.Stop()
		<-stopped
	}

	if err := <-l.done; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		l.logger().WithError(err).Warn("Listener serve loop exited with error")
	}
	l.setStopped()
	l.logger().Info("Durable worker listener stopped")
	return nil
}

// stopQuietly 停止服务器，容忍服务器为 nil 或关闭时 panic（端口已被抢占的旧服务器）。
func stopQuietly(gs *grpc.Server) {
	if gs == nil {
		return
	}
	defer func() { _ = recover() }()
	gs.Stop()
}
