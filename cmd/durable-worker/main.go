// Package main 是 Durable 工作进程的入口点
// 工作进程注册持久函数、启动本地 RPC 侧通道监听器，并通过 HTTP 接口暴露编排实例管理
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/nimbus-durable/internal/api"
	"github.com/oriys/nimbus-durable/internal/config"
	"github.com/oriys/nimbus-durable/internal/dispatch"
	"github.com/oriys/nimbus-durable/internal/engine"
	"github.com/oriys/nimbus-durable/internal/events"
	"github.com/oriys/nimbus-durable/internal/listener"
	"github.com/oriys/nimbus-durable/internal/metrics"
	"github.com/oriys/nimbus-durable/internal/rpc"
	"github.com/oriys/nimbus-durable/internal/taskhub"
	"github.com/oriys/nimbus-durable/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Version 在构建时通过 ldflags 设置
var Version = "dev"

func main() {
	// 配置文件为空时使用默认配置和环境变量
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}

	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Logging.Level).Warn("Unknown log level, using info")
	}

	logger.WithFields(logrus.Fields{
		"version":       Version,
		"listener_mode": cfg.Listener.Mode,
		"storage":       cfg.Storage.Backend,
	}).Info("Starting Nimbus Durable worker")

	// 初始化遥测系统，失败不影响工作进程运行
	var tracer trace.Tracer
	if cfg.Telemetry.Enabled {
		tel, err := telemetry.New(context.Background(), telemetry.Config{
			Enabled:        cfg.Telemetry.Enabled,
			Endpoint:       cfg.Telemetry.Endpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
			SampleRate:     cfg.Telemetry.SampleRate,
			Environment:    cfg.Telemetry.Environment,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
		} else {
			defer tel.Shutdown(context.Background())
			tracer = tel.Tracer()
			logger.AddHook(telemetry.NewLogrusHook())
			logger.WithFields(logrus.Fields{
				"endpoint":    cfg.Telemetry.Endpoint,
				"sample_rate": cfg.Telemetry.SampleRate,
			}).Info("Telemetry initialized")
		}
	}

	var m *metrics.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace, nil)
		gatherer = prometheus.DefaultGatherer
	}

	// 注册持久函数
	registry := dispatch.NewRegistry()
	if err := registerFunctions(registry); err != nil {
		logger.WithError(err).Fatal("Failed to register functions")
	}

	cache := engine.NewMemoryCache(cfg.Engine.CacheSize)
	mailbox := taskhub.NewMailbox()
	dispatcher := dispatch.New(registry, engine.NewLocalRunner(cfg.Engine.OrchestrationTimeout),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(m),
		dispatch.WithTracer(tracer),
		dispatch.WithCache(cache),
		dispatch.WithEventSource(mailbox),
	)

	// 初始化实例存储
	var store taskhub.InstanceStore
	var redisClient *redis.Client
	switch cfg.Storage.Backend {
	case config.StorageRedis:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		store = taskhub.NewRedisStore(redisClient)
	default:
		store = taskhub.NewMemoryStore()
	}

	// 生命周期事件发布，未配置 NATS 时不发布
	var publisher events.Publisher = events.NopPublisher{}
	var eventBus *events.EventBus
	if cfg.Events.NatsURL != "" {
		eventBus, err = events.NewEventBus(cfg.Events.NatsURL, cfg.Events.Source, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		publisher = eventBus
	}

	hub := taskhub.New(cfg.TaskHub, store, dispatcher, mailbox,
		taskhub.WithLogger(logger),
		taskhub.WithMetrics(m),
		taskhub.WithPublisher(publisher),
		taskhub.WithCache(cache),
	)
	if err := hub.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start task hub")
	}

	relayCtx, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()
	if eventBus != nil {
		if err := eventBus.RelayRaiseEvents(relayCtx, cfg.Events.RelayDurable, hub); err != nil {
			logger.WithError(err).Fatal("Failed to start raise event relay")
		}
	}

	// 启动本地 RPC 侧通道
	rpcServer := rpc.NewServer(dispatcher, logger)
	lis, err := listener.New(cfg.Listener, rpcServer.Registrar(),
		listener.WithLogger(logger),
		listener.WithMetrics(m),
		listener.WithServerOptions(grpc.UnaryInterceptor(rpc.UnaryServerInterceptor(logger, m))),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create RPC listener")
	}
	if err := lis.Start(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to start RPC listener")
	}
	logger.WithField("address", lis.ListenAddress()).Info("RPC listener started")

	handler := api.NewHandler(hub, registry, logger, api.WithRetryAfter(cfg.Server.RetryAfter))
	router := api.NewRouter(&api.RouterConfig{
		Handler:     handler,
		Logger:      logger,
		Gatherer:    gatherer,
		ServiceName: cfg.Telemetry.ServiceName,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("HTTP server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先停止接收请求，再停止侧通道和任务中心
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("HTTP server forced to shutdown")
	}
	if err := lis.Stop(ctx); err != nil {
		logger.WithError(err).Error("Failed to stop RPC listener")
	}
	relayCancel()
	if err := hub.Stop(); err != nil {
		logger.WithError(err).Error("Failed to stop task hub")
	}
	if err := publisher.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close event bus")
	}

	logger.Info("Worker stopped")
}
