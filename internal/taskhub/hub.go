package taskhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/nimbus-durable/internal/dispatch"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/engine"
	"github.com/oriys/nimbus-durable/internal/events"
	"github.com/oriys/nimbus-durable/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Config 任务中心配置
type Config struct {
	// Workers Worker Pool 的工作线程数
	Workers int `yaml:"workers"`
	// QueueSize 执行队列大小
	QueueSize int `yaml:"queue_size"`
	// PurgeSchedule 清理任务的 cron 表达式，为空时不启用
	PurgeSchedule string `yaml:"purge_schedule"`
	// Retention 终止实例的保留时间
	Retention time.Duration `yaml:"retention"`
	// StopTimeout 停止时等待 worker 退出的最长时间
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Workers:       10,
		QueueSize:     1000,
		PurgeSchedule: "@every 1h",
		Retention:     7 * 24 * time.Hour,
		StopTimeout:   30 * time.Second,
	}
}

// DefaultPollInterval 是 WaitForCompletion 的默认轮询间隔。
const DefaultPollInterval = 100 * time.Millisecond

// Option 配置 Hub。
type Option func(*Hub)

// WithLogger 设置日志记录器。
func WithLogger(logger *logrus.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithPublisher 设置生命周期事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(h *Hub) {
		if p != nil {
			h.publisher = p
		}
	}
}

// WithCache 设置分派器使用的编排输出缓存；重新调度或清理实例时使其失效。
func WithCache(c engine.Cache) Option {
	return func(h *Hub) { h.cache = c }
}

// Hub 是任务中心。
type Hub struct {
	config     Config
	store      InstanceStore
	dispatcher *dispatch.Dispatcher
	mailbox    *Mailbox
	publisher  events.Publisher
	cache      engine.Cache
	logger     *logrus.Logger
	metrics    *metrics.Metrics

	// 执行队列和控制
	queue   chan string
	mu      sync.Mutex
	pending map[string]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron

	startOnce sync.Once
	stopOnce  sync.Once
}

// New 创建任务中心。mailbox 必须同时作为 EventSource 传给 dispatcher。
func New(config Config, store InstanceStore, dispatcher *dispatch.Dispatcher, mailbox *Mailbox, opts ...Option) *Hub {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}
	if mailbox == nil {
		mailbox = NewMailbox()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config:     config,
		store:      store,
		dispatcher: dispatcher,
		mailbox:    mailbox,
		publisher:  events.NopPublisher{},
		logger:     logrus.StandardLogger(),
		queue:      make(chan string, config.QueueSize),
		pending:    make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start 启动 worker、恢复未完成的实例，并按配置启动清理任务。
func (h *Hub) Start() error {
	var err error
	h.startOnce.Do(func() {
		if h.config.PurgeSchedule != "" && h.config.Retention > 0 {
			c := cron.New()
			if _, err = c.AddFunc(h.config.PurgeSchedule, h.purgeExpired); err != nil {
				err = fmt.Errorf("invalid purge schedule %q: %w", h.config.PurgeSchedule, err)
				return
			}
			h.cron = c
			c.Start()
		}

		h.logger.WithField("workers", h.config.Workers).Info("Starting task hub")
		h.recoverPending()
		for i := 0; i < h.config.Workers; i++ {
			h.wg.Add(1)
			go h.worker(i)
		}
	})
	return err
}

// Stop 停止任务中心，等待 worker 退出直到超时。
func (h *Hub) Stop() error {
	h.stopOnce.Do(func() {
		h.logger.Info("Stopping task hub")
		if h.cron != nil {
			<-h.cron.Stop().Done()
		}
		h.cancel()
		h.mailbox.Close()

		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			h.logger.Info("Task hub stopped")
		case <-time.After(h.config.StopTimeout):
			h.logger.Warn("Task hub stop timeout, some workers may still be running")
		}
	})
	return nil
}

// Schedule 调度一个新的编排实例并返回实例 ID；instanceID 为空时生成 UUID。
func (h *Hub) Schedule(ctx context.Context, name, instanceID string, input json.RawMessage) (string, error) {
	def, ok := h.dispatcher.Registry().Definition(name)
	if _, kind, _ := def.Trigger(); !ok || kind != domain.KindOrchestration {
		return "", fmt.Errorf("%w: orchestrator '%s'", domain.ErrUnregisteredFunction, name)
	}
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	if len(input) > 0 && !json.Valid(input) {
		return "", fmt.Errorf("%w: input is not valid JSON", domain.ErrInvalidPayload)
	}

	now := time.Now().UTC()
	inst := &domain.OrchestrationInstance{
		InstanceID:    instanceID,
		Name:          name,
		Status:        domain.InstanceStatusPending,
		Input:         input,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := h.store.Create(ctx, inst); err != nil {
		return "", err
	}
	// 同 ID 的旧实例已结束，清掉它的缓存输出和残留事件
	if h.cache != nil {
		h.cache.Forget(instanceID)
	}
	h.mailbox.Forget(instanceID)

	log := h.logger.WithFields(logrus.Fields{
		"instance_id":  instanceID,
		"orchestrator": name,
	})
	if !h.enqueue(instanceID) {
		// 队列满，标记为失败
		h.finish(inst, nil, domain.NewFailureDetail(domain.ErrQueueFull))
		return "", domain.ErrQueueFull
	}
	log.Info("Orchestration queued")

	if err := h.publisher.Publish(ctx, events.TypeScheduled, inst); err != nil {
		log.WithError(err).Warn("Failed to publish lifecycle event")
	}
	return instanceID, nil
}

// Get 返回实例状态。
func (h *Hub) Get(ctx context.Context, instanceID string) (*domain.OrchestrationInstance, error) {
	return h.store.Get(ctx, instanceID)
}

// List 返回所有实例。
func (h *Hub) List(ctx context.Context) ([]*domain.OrchestrationInstance, error) {
	return h.store.List(ctx)
}

// RaiseEvent 向运行中的实例投递外部事件。
func (h *Hub) RaiseEvent(ctx context.Context, instanceID, name string, data json.RawMessage) error {
	inst, err := h.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", domain.ErrInstanceCompleted, instanceID)
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	h.mailbox.Deliver(instanceID, name, data)
	h.logger.WithFields(logrus.Fields{
		"instance_id": instanceID,
		"event":       name,
	}).Debug("External event delivered")
	return nil
}

// WaitForCompletion 轮询实例直到结束或 ctx 取消；ctx 取消时返回最近一次读到的状态和 ctx 的错误。
func (h *Hub) WaitForCompletion(ctx context.Context, instanceID string, poll time.Duration) (*domain.OrchestrationInstance, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		inst, err := h.store.Get(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Purge 删除一个已结束的实例。
func (h *Hub) Purge(ctx context.Context, instanceID string) error {
	inst, err := h.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrInstanceNotCompleted, instanceID, inst.Status)
	}
	if err := h.store.Delete(ctx, instanceID); err != nil {
		return err
	}
	h.forget(instanceID)
	h.metrics.RecordPurged(1)
	return nil
}

// PurgeCompletedBefore 删除在 before 之前结束的所有实例，返回删除数量。
func (h *Hub) PurgeCompletedBefore(ctx context.Context, before time.Time) (int, error) {
	list, err := h.store.List(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, inst := range list {
		if !inst.Status.IsTerminal() || !inst.LastUpdatedAt.Before(before) {
			continue
		}
		if err := h.store.Delete(ctx, inst.InstanceID); err != nil {
			if errors.Is(err, domain.ErrInstanceNotFound) {
				continue
			}
			return purged, err
		}
		h.forget(inst.InstanceID)
		purged++
	}
	h.metrics.RecordPurged(purged)
	return purged, nil
}

func (h *Hub) forget(instanceID string) {
	if h.cache != nil {
		h.cache.Forget(instanceID)
	}
	h.mailbox.Forget(instanceID)
}

// purgeExpired 是 cron 清理任务
func (h *Hub) purgeExpired() {
	before := time.Now().Add(-h.config.Retention)
	n, err := h.PurgeCompletedBefore(h.ctx, before)
	if err != nil {
		h.logger.WithError(err).Error("Failed to purge expired instances")
		return
	}
	if n > 0 {
		h.logger.WithFields(logrus.Fields{
			"purged": n,
			"before": before.Format(time.RFC3339),
		}).Info("Purged expired instances")
	}
}

// recoverPending 把存储中未结束的实例重新入队（例如进程重启后的 Redis 存储）
func (h *Hub) recoverPending() {
	list, err := h.store.List(h.ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list instances for recovery")
		return
	}
	for _, inst := range list {
		if inst.Status.IsTerminal() {
			continue
		}
		if !h.enqueue(inst.InstanceID) {
			h.logger.WithField("instance_id", inst.InstanceID).Warn("Execution queue full, skipping recovery for this instance")
			continue
		}
		h.logger.WithFields(logrus.Fields{
			"instance_id": inst.InstanceID,
			"status":      inst.Status,
		}).Info("Recovering orchestration instance")
	}
}

// enqueue 非阻塞入队，已在队列中的实例不重复入队；队列满时返回 false
func (h *Hub) enqueue(instanceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[instanceID]; ok {
		return true
	}
	select {
	case h.queue <- instanceID:
		h.pending[instanceID] = struct{}{}
		h.metrics.SetQueueSize(len(h.queue))
		return true
	default:
		return false
	}
}

// worker 工作线程
func (h *Hub) worker(id int) {
	defer h.wg.Done()

	log := h.logger.WithField("worker_id", id)
	log.Debug("Task hub worker started")

	for {
		select {
		case <-h.ctx.Done():
			log.Debug("Task hub worker stopped")
			return
		case instanceID := <-h.queue:
			h.mu.Lock()
			delete(h.pending, instanceID)
			h.metrics.SetQueueSize(len(h.queue))
			h.mu.Unlock()
			h.execute(instanceID)
		}
	}
}

// execute 通过分派器执行一个实例并记录结果
func (h *Hub) execute(instanceID string) {
	log := h.logger.WithField("instance_id", instanceID)

	inst, err := h.store.Get(h.ctx, instanceID)
	if err != nil {
		log.WithError(err).Error("Failed to load orchestration instance")
		return
	}
	if inst.Status.IsTerminal() {
		return
	}
	log = log.WithField("orchestrator", inst.Name)

	inst.Status = domain.InstanceStatusRunning
	inst.LastUpdatedAt = time.Now().UTC()
	if err := h.store.Save(h.ctx, inst); err != nil {
		log.WithError(err).Error("Failed to update instance status to running")
		return
	}

	def, ok := h.dispatcher.Registry().Definition(inst.Name)
	if !ok {
		h.finish(inst, nil, domain.NewFailureDetail(fmt.Errorf("%w: orchestrator '%s'", domain.ErrUnregisteredFunction, inst.Name)))
		return
	}
	state, err := engine.EncodeOrchestratorRequest(&engine.OrchestratorRequest{
		InstanceID: inst.InstanceID,
		Name:       inst.Name,
		Input:      inst.Input,
		StartedAt:  inst.CreatedAt,
	})
	if err != nil {
		h.finish(inst, nil, domain.NewFailureDetail(err))
		return
	}

	inv := dispatch.NewInvocation(h.ctx, def, state)
	if err := h.dispatcher.Dispatch(inv); err != nil {
		if h.ctx.Err() != nil {
			// 停止中断的实例保持 Running，下次启动时恢复
			log.Info("Orchestration interrupted by task hub shutdown")
			return
		}
		log.WithError(err).Warn("Orchestration dispatch failed")
		h.finish(inst, nil, domain.NewFailureDetail(err))
		return
	}

	if h.ctx.Err() != nil {
		log.Info("Orchestration interrupted by task hub shutdown")
		return
	}

	result, _ := inv.Result()
	out, _ := result.(string)
	resp, err := engine.DecodeOrchestratorResponse(out)
	if err != nil {
		h.finish(inst, nil, domain.NewFailureDetail(err))
		return
	}
	inst.CustomStatus = resp.CustomStatus
	if resp.Status == domain.InstanceStatusFailed {
		h.finish(inst, nil, resp.Failure)
		return
	}
	h.finish(inst, resp.Output, nil)
}

// finish 写入终止状态并发布事件
func (h *Hub) finish(inst *domain.OrchestrationInstance, output json.RawMessage, failure *domain.FailureDetail) {
	inst.Status = domain.InstanceStatusCompleted
	inst.Output = output
	inst.Failure = failure
	if failure != nil {
		inst.Status = domain.InstanceStatusFailed
	}
	inst.LastUpdatedAt = time.Now().UTC()

	// 使用独立的 context，停止过程中也要写入终止状态
	ctx := context.Background()
	log := h.logger.WithFields(logrus.Fields{
		"instance_id": inst.InstanceID,
		"status":      inst.Status,
	})
	if err := h.store.Save(ctx, inst); err != nil {
		log.WithError(err).Error("Failed to complete orchestration instance")
		return
	}
	h.mailbox.Forget(inst.InstanceID)
	h.metrics.RecordInstanceFinished(string(inst.Status))
	if err := h.publisher.Publish(ctx, events.TypeForStatus(inst.Status), inst); err != nil {
		log.WithError(err).Warn("Failed to publish lifecycle event")
	}
	log.Info("Orchestration instance completed")
}
