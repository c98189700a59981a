package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/nimbus-durable/internal/dispatch"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/telemetry"
	"github.com/sirupsen/logrus"
)

const (
	// instancesPath 是实例管理接口的路径前缀
	instancesPath = "/runtime/webhooks/durabletask/instances"
	// eventNamePlaceholder 是 sendEventPostUri 中事件名称的占位符
	eventNamePlaceholder = "{eventName}"

	defaultRetryAfter  = 10
	defaultWaitTimeout = 10 * time.Second
	maxWaitTimeout     = 5 * time.Minute
	maxBodySize        = 4 << 20
)

// Hub 定义了 HTTP 层依赖的任务中心操作。
type Hub interface {
	Schedule(ctx context.Context, name, instanceID string, input json.RawMessage) (string, error)
	Get(ctx context.Context, instanceID string) (*domain.OrchestrationInstance, error)
	List(ctx context.Context) ([]*domain.OrchestrationInstance, error)
	RaiseEvent(ctx context.Context, instanceID, name string, data json.RawMessage) error
	WaitForCompletion(ctx context.Context, instanceID string, poll time.Duration) (*domain.OrchestrationInstance, error)
	Purge(ctx context.Context, instanceID string) error
}

// FunctionLister 列出已注册的直接函数。
type FunctionLister interface {
	Functions() []dispatch.FunctionInfo
}

// Handler 是 HTTP 轮询接口的处理器。
type Handler struct {
	hub        Hub
	functions  FunctionLister
	logger     *logrus.Logger
	retryAfter int
}

// HandlerOption 是 Handler 的配置选项。
type HandlerOption func(*Handler)

// WithRetryAfter 设置 202 响应中 Retry-After 头的秒数。
func WithRetryAfter(seconds int) HandlerOption {
	return func(h *Handler) {
		if seconds > 0 {
			h.retryAfter = seconds
		}
	}
}

// NewHandler 创建并返回一个新的Handler实例。
func NewHandler(hub Hub, functions FunctionLister, logger *logrus.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	h := &Handler{
		hub:        hub,
		functions:  functions,
		logger:     logger,
		retryAfter: defaultRetryAfter,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CheckStatusResponse 是启动编排后返回的管理链接集合。
type CheckStatusResponse struct {
	ID                    string `json:"id"`
	StatusQueryGetURI     string `json:"statusQueryGetUri"`
	SendEventPostURI      string `json:"sendEventPostUri"`
	PurgeHistoryDeleteURI string `json:"purgeHistoryDeleteUri"`
}

// FunctionMetadata 是 /admin/functions 返回的单个函数描述。
type FunctionMetadata struct {
	Name       string                     `json:"name"`
	Version    *string                    `json:"version,omitempty"`
	Kind       domain.EntryPointKind      `json:"kind"`
	Key        string                     `json:"key"`
	EntryPoint string                     `json:"entryPoint"`
	Bindings   []dispatch.BindingMetadata `json:"bindings"`
}

// ErrorResponse 是错误响应结构体。
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Health 处理健康检查请求。
// HTTP端点: GET /health
//
// 返回值：{"status": "healthy"}
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListFunctions 返回所有直接注册函数的宿主元数据。
// HTTP端点: GET /admin/functions
func (h *Handler) ListFunctions(w http.ResponseWriter, r *http.Request) {
	infos := h.functions.Functions()
	list := make([]FunctionMetadata, 0, len(infos))
	for _, info := range infos {
		list = append(list, MetadataFor(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": list})
}

// MetadataFor 为直接注册的函数生成宿主元数据描述。
func MetadataFor(info dispatch.FunctionInfo) FunctionMetadata {
	key := domain.CombineNameVersion(info.Name, info.Version)
	def := dispatch.DefinitionFor(key, info.Kind)
	return FunctionMetadata{
		Name:       info.Name,
		Version:    info.Version,
		Kind:       info.Kind,
		Key:        key,
		EntryPoint: def.EntryPoint,
		Bindings:   def.Bindings,
	}
}

// StartOrchestration 启动一个编排实例。
// HTTP端点: POST /api/orchestrators/{name}[/{instanceId}]
//
// 功能说明：
//   - 请求体（可为空）作为编排输入，必须是合法 JSON
//   - 未指定 instanceId 时由任务中心生成
//
// 返回值：
//   - 202: 管理链接集合，带 Location 和 Retry-After 头
//   - 400: 输入不是合法 JSON
//   - 404: 编排未注册
//   - 409: 同 ID 的实例仍在运行
func (h *Handler) StartOrchestration(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	input, ok := h.readBody(w, r)
	if !ok {
		return
	}
	id, err := h.hub.Schedule(r.Context(), name, chi.URLParam(r, "instanceId"), input)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.logger.WithFields(logrus.Fields{
		"instance_id":  id,
		"orchestrator": name,
		"request_id":   middleware.GetReqID(r.Context()),
	}).Info("Orchestration started")
	h.writeCheckStatus(w, r, id)
}

// StartAndWait 启动编排并在超时内等待其结束。
// HTTP端点: POST /api/orchestrators/{name}/wait?timeout=30s&interval=1s&instanceId=
//
// 功能说明：
//   - timeout 和 interval 接受 Go 时长格式或整数秒，timeout 默认 10 秒、最长 5 分钟
//   - 超时内结束时直接返回结果，否则返回与 StartOrchestration 相同的 202 响应
//
// 返回值：
//   - 200: 编排输出
//   - 202: 管理链接集合
//   - 500: 编排失败，返回实例状态
func (h *Handler) StartAndWait(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	timeout, err := parseDuration(query.Get("timeout"), defaultWaitTimeout)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid timeout: "+err.Error())
		return
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	interval, err := parseDuration(query.Get("interval"), 0)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid interval: "+err.Error())
		return
	}

	name := chi.URLParam(r, "name")
	input, ok := h.readBody(w, r)
	if !ok {
		return
	}
	id, err := h.hub.Schedule(r.Context(), name, query.Get("instanceId"), input)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	inst, err := h.hub.WaitForCompletion(ctx, id, interval)
	switch {
	case err == nil:
		h.writeResult(w, r, inst)
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		h.writeCheckStatus(w, r, id)
	case r.Context().Err() != nil:
		// 客户端已断开
		return
	default:
		h.writeDomainError(w, r, err)
	}
}

// GetStatus 查询实例状态。
// HTTP端点: GET /runtime/webhooks/durabletask/instances/{id}
//
// 返回值：
//   - 200: 实例已完成
//   - 202: 实例仍在等待或运行，带 Location 和 Retry-After 头
//   - 500: 实例失败，响应体包含失败详情
//   - 404: 实例不存在
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := h.hub.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	switch inst.Status {
	case domain.InstanceStatusCompleted:
		writeJSON(w, http.StatusOK, inst)
	case domain.InstanceStatusFailed:
		writeJSON(w, http.StatusInternalServerError, inst)
	default:
		w.Header().Set("Location", h.statusURI(r, id))
		w.Header().Set("Retry-After", strconv.Itoa(h.retryAfter))
		writeJSON(w, http.StatusAccepted, inst)
	}
}

// ListInstances 返回所有实例。
// HTTP端点: GET /runtime/webhooks/durabletask/instances
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := h.hub.List(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.OrchestrationInstance{}
	}
	writeJSON(w, http.StatusOK, list)
}

// RaiseEvent 向实例投递外部事件，请求体为事件数据。
// HTTP端点: POST /runtime/webhooks/durabletask/instances/{id}/raiseEvent/{event}
//
// 返回值：
//   - 202: 已投递
//   - 404: 实例不存在
//   - 410: 实例已结束
func (h *Handler) RaiseEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event := chi.URLParam(r, "event")
	data, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if len(data) > 0 && !json.Valid(data) {
		h.writeError(w, r, http.StatusBadRequest, "event data is not valid JSON")
		return
	}
	if err := h.hub.RaiseEvent(r.Context(), id, event, data); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PurgeInstance 清理已结束实例的历史。
// HTTP端点: DELETE /runtime/webhooks/durabletask/instances/{id}
//
// 返回值：
//   - 200: {"instancesDeleted": 1}
//   - 404: 实例不存在
//   - 409: 实例尚未结束
func (h *Handler) PurgeInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.hub.Purge(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.logger.WithField("instance_id", id).Info("Orchestration history purged")
	writeJSON(w, http.StatusOK, map[string]int{"instancesDeleted": 1})
}

// writeResult 写出已结束实例的结果：完成时返回输出，失败时返回实例状态。
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, inst *domain.OrchestrationInstance) {
	if inst.Status == domain.InstanceStatusFailed {
		writeJSON(w, http.StatusInternalServerError, inst)
		return
	}
	output := inst.Output
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, output)
}

func (h *Handler) writeCheckStatus(w http.ResponseWriter, r *http.Request, id string) {
	resp := h.checkStatus(r, id)
	w.Header().Set("Location", resp.StatusQueryGetURI)
	w.Header().Set("Retry-After", strconv.Itoa(h.retryAfter))
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) checkStatus(r *http.Request, id string) CheckStatusResponse {
	status := h.statusURI(r, id)
	return CheckStatusResponse{
		ID:                    id,
		StatusQueryGetURI:     status,
		SendEventPostURI:      status + "/raiseEvent/" + eventNamePlaceholder,
		PurgeHistoryDeleteURI: status,
	}
}

// statusURI 根据请求的 Host 构造实例状态链接。
func (h *Handler) statusURI(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s/%s", scheme, r.Host, instancesPath, id)
}

// readBody 读取请求体，空白请求体返回 nil。
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if len(body) > maxBodySize {
		h.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil, true
	}
	return body, true
}

// statusForError 把领域错误映射为 HTTP 状态码。
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInstanceNotFound), errors.Is(err, domain.ErrUnregisteredFunction):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, domain.ErrInvalidFunctionName):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInstanceExists), errors.Is(err, domain.ErrInstanceNotCompleted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInstanceCompleted):
		return http.StatusGone
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
			"error":      err,
		}).Error("Request failed")
	}
	h.writeError(w, r, status, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
		TraceID:   telemetry.TraceIDFromContext(r.Context()),
	})
}

// writeJSON 将数据以JSON格式写入HTTP响应。
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// parseDuration 解析 Go 时长格式或整数秒，空字符串返回 def。
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
