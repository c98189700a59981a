package listener

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// EmbeddedListener 在内嵌 HTTP 服务器上以 h2c 承载 gRPC 服务。
// 非 gRPC 请求由 chi 路由处理（/healthz）。
type EmbeddedListener struct {
	*lifecycle

	server *http.Server
	grpc   *grpc.Server
	health *health.Server
	done   chan error
}

// Start 实现 Listener。
// 启动后从运行中的服务器读回实际绑定地址，与预期地址不一致时只记录警告。
func (l *EmbeddedListener) Start(ctx context.Context) error {
	if err := l.beginStart(); err != nil {
		return err
	}

	ln, port, err := l.bind(ctx, nil, nil)
	if err != nil {
		l.failStart()
		return err
	}

	gs, hs := l.newGRPCServer()
	srv := &http.Server{
		Handler:           h2c.NewHandler(l.handler(gs), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ln)
	}()

	expected := addressURI(l.cfg.Host, port)
	actual := expected
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		actual = addressURI(tcp.IP.String(), tcp.Port)
		port = tcp.Port
	}
	if actual != expected {
		l.logger().WithFields(logrus.Fields{
			"expected": expected,
			"actual":   actual,
		}).Warn("Listener bound to an unexpected address")
	}

	l.server, l.grpc, l.health, l.done = srv, gs, hs, done
	if l.setRunning(port) {
		return l.stopDuringStartup(l.Stop)
	}
	l.logger().WithField("address", actual).Info("Durable worker listener started")
	return nil
}

// handler 把 gRPC 请求交给 gRPC 服务器，其余请求交给 chi 路由。
func (l *EmbeddedListener) handler(gs *grpc.Server) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.ProtoMajor == 2 && strings.HasPrefix(req.Header.Get("Content-Type"), "application/grpc") {
			gs.ServeHTTP(w, req)
			return
		}
		r.ServeHTTP(w, req)
	})
}

// Stop 实现 Listener。
func (l *EmbeddedListener) Stop(ctx context.Context) error {
	if !l.beginStop(ctx) {
		return nil
	}
	ctx, cancel := l.shutdownContext(ctx)
	defer cancel()

	l.health.Shutdown()
	err := l.server.Shutdown(ctx)
	if err != nil {
		_ = l.server.Close()
	}
	// h2c 连接被劫持，不受 http.Server.Shutdown 管理
	l.grpc.Stop()

	if serveErr := <-l.done; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		l.logger().WithError(serveErr).Warn("Listener serve loop exited with error")
	}
	l.setStopped()
	l.logger().Info("Durable worker listener stopped")
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
