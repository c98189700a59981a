package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/oriys/nimbus-durable/internal/entity"
)

// OrchestratorRequest 是 LocalRunner 使用的编排状态编码。
type OrchestratorRequest struct {
	InstanceID string          `json:"instanceId"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
}

// OrchestratorResponse 是 LocalRunner 返回的编排输出。
type OrchestratorResponse struct {
	InstanceID   string                `json:"instanceId"`
	Status       domain.InstanceStatus `json:"status"`
	Output       json.RawMessage       `json:"output,omitempty"`
	CustomStatus json.RawMessage       `json:"customStatus,omitempty"`
	Failure      *domain.FailureDetail `json:"failure,omitempty"`
}

// EntityBatchRequest 是实体操作批次的编码。
type EntityBatchRequest struct {
	InstanceID string             `json:"instanceId"`
	State      json.RawMessage    `json:"state,omitempty"`
	Operations []entity.Operation `json:"operations"`
}

// OperationResult 是单个实体操作的结果。
type OperationResult struct {
	Result  json.RawMessage       `json:"result,omitempty"`
	Failure *domain.FailureDetail `json:"failure,omitempty"`
}

// EntityBatchResult 是实体批次的输出。
type EntityBatchResult struct {
	State   json.RawMessage   `json:"state,omitempty"`
	Results []OperationResult `json:"results"`
}

// EncodeOrchestratorRequest 把请求编码为引擎状态字符串。
func EncodeOrchestratorRequest(req *OrchestratorRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode orchestrator request: %w", err)
	}
	return string(b), nil
}

// DecodeOrchestratorResponse 解码 RunOrchestration 的输出。
func DecodeOrchestratorResponse(s string) (*OrchestratorResponse, error) {
	var resp OrchestratorResponse
	if err := json.Unmarshal([]byte(s), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode orchestrator response: %w", err)
	}
	return &resp, nil
}

// EncodeEntityBatch 把实体批次编码为字符串。
func EncodeEntityBatch(req *EntityBatchRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode entity batch: %w", err)
	}
	return string(b), nil
}

// DecodeEntityBatchResult 解码 RunEntityBatch 的输出。
func DecodeEntityBatchResult(s string) (*EntityBatchResult, error) {
	var res EntityBatchResult
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return nil, fmt.Errorf("failed to decode entity batch result: %w", err)
	}
	return &res, nil
}

// marshalOutput 把用户返回值编码为 JSON；已编码的 JSON 原样返回。
func marshalOutput(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	return b, nil
}
