// Package apiclient 提供访问 Durable 工作进程 HTTP 轮询接口的 Go 客户端封装。
// 该包将编排管理接口（启动/查询/等待/事件/清理）封装为结构化方法，供 durablectl 复用。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oriys/nimbus-durable/internal/api"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/telemetry"
)

const instancesPath = "/runtime/webhooks/durabletask/instances/"

// Client 是 Durable 工作进程 HTTP API 客户端。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建一个新的客户端。
// baseURL 为空时默认使用 http://localhost:8080。
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	httpClient := telemetry.InstrumentedHTTPClient()
	httpClient.Timeout = 6 * time.Minute
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// APIError 是服务端返回的错误。
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsNotFound 表示错误是否为 404。
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// WaitResult 是 StartAndWait 的结果，三种情况只有一个字段非空。
type WaitResult struct {
	// Output 是编排在等待时间内完成时的输出
	Output json.RawMessage
	// Failed 是编排在等待时间内失败时的实例状态
	Failed *domain.OrchestrationInstance
	// Pending 是等待超时后返回的管理链接
	Pending *api.CheckStatusResponse
}

// do 是内部通用请求方法，负责：
// - 拼接 URL 与 query
// - 发起 HTTP 请求并读取响应
// - 将 accept 之外的 4xx/5xx 转换为 APIError
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, accept ...int) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		for _, code := range accept {
			if code == resp.StatusCode {
				return resp.StatusCode, respBody, nil
			}
		}
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return resp.StatusCode, respBody, apiErr
	}
	return resp.StatusCode, respBody, nil
}

func decodeInto(body []byte, v any) error {
	if len(body) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// Start 启动编排实例，instanceID 为空时由服务端生成。
func (c *Client) Start(ctx context.Context, name, instanceID string, input json.RawMessage) (*api.CheckStatusResponse, error) {
	path := "/api/orchestrators/" + url.PathEscape(name)
	if instanceID != "" {
		path += "/" + url.PathEscape(instanceID)
	}
	_, body, err := c.do(ctx, http.MethodPost, path, nil, input)
	if err != nil {
		return nil, err
	}
	var cs api.CheckStatusResponse
	if err := decodeInto(body, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// StartAndWait 启动编排并让服务端最多等待 timeout。
func (c *Client) StartAndWait(ctx context.Context, name, instanceID string, input json.RawMessage, timeout time.Duration) (*WaitResult, error) {
	q := url.Values{}
	q.Set("timeout", timeout.String())
	if instanceID != "" {
		q.Set("instanceId", instanceID)
	}
	status, body, err := c.do(ctx, http.MethodPost, "/api/orchestrators/"+url.PathEscape(name)+"/wait", q, input, http.StatusInternalServerError)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &WaitResult{Output: json.RawMessage(body)}, nil
	case http.StatusAccepted:
		var cs api.CheckStatusResponse
		if err := decodeInto(body, &cs); err != nil {
			return nil, err
		}
		return &WaitResult{Pending: &cs}, nil
	default:
		inst, err := decodeInstance(status, body)
		if err != nil {
			return nil, err
		}
		return &WaitResult{Failed: inst}, nil
	}
}

// Status 查询实例状态；失败实例（服务端返回 500）同样作为状态返回。
func (c *Client) Status(ctx context.Context, instanceID string) (*domain.OrchestrationInstance, error) {
	status, body, err := c.do(ctx, http.MethodGet, instancesPath+url.PathEscape(instanceID), nil, nil, http.StatusInternalServerError)
	if err != nil {
		return nil, err
	}
	return decodeInstance(status, body)
}

// decodeInstance 解析实例状态；500 响应体不是实例时视为服务端错误。
func decodeInstance(status int, body []byte) (*domain.OrchestrationInstance, error) {
	var inst domain.OrchestrationInstance
	if err := json.Unmarshal(body, &inst); err != nil || inst.InstanceID == "" {
		if status >= http.StatusInternalServerError {
			apiErr := &APIError{StatusCode: status}
			if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(string(body))
			}
			return nil, apiErr
		}
		return nil, fmt.Errorf("parse response: unexpected instance payload")
	}
	return &inst, nil
}

// WaitForCompletion 每隔 interval 轮询一次状态，直到实例结束或 ctx 取消。
func (c *Client) WaitForCompletion(ctx context.Context, instanceID string, interval time.Duration) (*domain.OrchestrationInstance, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		inst, err := c.Status(ctx, instanceID)
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

// List 返回所有实例。
func (c *Client) List(ctx context.Context) ([]*domain.OrchestrationInstance, error) {
	_, body, err := c.do(ctx, http.MethodGet, strings.TrimSuffix(instancesPath, "/"), nil, nil)
	if err != nil {
		return nil, err
	}
	var list []*domain.OrchestrationInstance
	if err := decodeInto(body, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// RaiseEvent 向实例投递外部事件。
func (c *Client) RaiseEvent(ctx context.Context, instanceID, event string, data json.RawMessage) error {
	path := instancesPath + url.PathEscape(instanceID) + "/raiseEvent/" + url.PathEscape(event)
	_, _, err := c.do(ctx, http.MethodPost, path, nil, data)
	return err
}

// Purge 清理已结束实例的历史。
func (c *Client) Purge(ctx context.Context, instanceID string) error {
	_, _, err := c.do(ctx, http.MethodDelete, instancesPath+url.PathEscape(instanceID), nil, nil)
	return err
}

// Functions 返回工作进程注册的函数元数据。
func (c *Client) Functions(ctx context.Context) ([]api.FunctionMetadata, error) {
	_, body, err := c.do(ctx, http.MethodGet, "/admin/functions", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Functions []api.FunctionMetadata `json:"functions"`
	}
	if err := decodeInto(body, &resp); err != nil {
		return nil, err
	}
	return resp.Functions, nil
}

// Health 检查工作进程是否可用。
func (c *Client) Health(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}
