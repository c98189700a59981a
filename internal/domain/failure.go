package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// FailureDetail 是跨越 RPC 边界传递的规范化错误记录。
// InnerFailure 链与原始错误的 Unwrap 链一一对应，以 nil 结束。
type FailureDetail struct {
	// ErrorType 是原始错误的完整类型名，例如 "*fmt.wrapError"
	ErrorType string `json:"errorType"`
	// ErrorMessage 是原始错误自身的消息（不含内部错误的消息）
	ErrorMessage string `json:"errorMessage"`
	// StackTrace 是可选的堆栈信息
	StackTrace string `json:"stackTrace,omitempty"`
	// InnerFailure 是内部错误的失败详情
	InnerFailure *FailureDetail `json:"innerFailure,omitempty"`
	// IsNonRetriable 表示该失败不应被引擎重试
	IsNonRetriable bool `json:"isNonRetriable,omitempty"`
	// Properties 是自定义错误属性，值已转换为 protobuf Value
	Properties map[string]*structpb.Value `json:"-"`
}

// failureDetailJSON 是 FailureDetail 的 JSON 表示，Properties 通过 protojson 编码。
type failureDetailJSON struct {
	ErrorType      string          `json:"errorType"`
	ErrorMessage   string          `json:"errorMessage"`
	StackTrace     string          `json:"stackTrace,omitempty"`
	InnerFailure   *FailureDetail  `json:"innerFailure,omitempty"`
	IsNonRetriable bool            `json:"isNonRetriable,omitempty"`
	Properties     json.RawMessage `json:"properties,omitempty"`
}

// MarshalJSON 实现 json.Marshaler。
func (d *FailureDetail) MarshalJSON() ([]byte, error) {
	out := failureDetailJSON{
		ErrorType:      d.ErrorType,
		ErrorMessage:   d.ErrorMessage,
		StackTrace:     d.StackTrace,
		InnerFailure:   d.InnerFailure,
		IsNonRetriable: d.IsNonRetriable,
	}
	if len(d.Properties) > 0 {
		out.Properties = encodeProperties(d.Properties)
	}
	return json.Marshal(out)
}

// encodeProperties 编码自定义属性；无法编码的属性被丢弃，不影响其余字段。
func encodeProperties(props map[string]*structpb.Value) json.RawMessage {
	raw, err := protojson.Marshal(&structpb.Struct{Fields: props})
	if err == nil {
		return raw
	}
	kept := make(map[string]*structpb.Value, len(props))
	for k, v := range props {
		if _, err := protojson.Marshal(v); err == nil {
			kept[k] = v
		}
	}
	if len(kept) == 0 {
		return nil
	}
	raw, err = protojson.Marshal(&structpb.Struct{Fields: kept})
	if err != nil {
		return nil
	}
	return raw
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *FailureDetail) UnmarshalJSON(data []byte) error {
	var in failureDetailJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*d = FailureDetail{
		ErrorType:      in.ErrorType,
		ErrorMessage:   in.ErrorMessage,
		StackTrace:     in.StackTrace,
		InnerFailure:   in.InnerFailure,
		IsNonRetriable: in.IsNonRetriable,
	}
	if len(in.Properties) > 0 {
		s := &structpb.Struct{}
		if err := protojson.Unmarshal(in.Properties, s); err != nil {
			return fmt.Errorf("failed to decode failure properties: %w", err)
		}
		d.Properties = s.Fields
	}
	return nil
}

// String 返回 "类型: 消息" 形式的简短描述。
func (d *FailureDetail) String() string {
	if d == nil {
		return ""
	}
	return d.ErrorType + ": " + d.ErrorMessage
}

// PropertiesProvider 从错误中提取自定义属性。
// 返回的值会按 ToValue 的规则转换。
type PropertiesProvider interface {
	ExceptionProperties(err error) (map[string]any, error)
}

// PropertiesProviderFunc 是 PropertiesProvider 的函数适配器。
type PropertiesProviderFunc func(err error) (map[string]any, error)

// ExceptionProperties 实现 PropertiesProvider。
func (f PropertiesProviderFunc) ExceptionProperties(err error) (map[string]any, error) {
	return f(err)
}

// FailureOption 配置 NewFailureDetail 的行为。
type FailureOption func(*failureOptions)

type failureOptions struct {
	provider     PropertiesProvider
	onProviderFn func(err error)
}

// WithPropertiesProvider 设置自定义属性提取插件。
func WithPropertiesProvider(p PropertiesProvider) FailureOption {
	return func(o *failureOptions) {
		o.provider = p
	}
}

// WithProviderErrorHandler 设置属性提取失败时的回调（例如记录警告日志）。
// 无论是否设置回调，提取失败都不会阻止 FailureDetail 的生成。
func WithProviderErrorHandler(fn func(err error)) FailureOption {
	return func(o *failureOptions) {
		o.onProviderFn = fn
	}
}

// stackTracer 由携带堆栈信息的错误实现。
type stackTracer interface {
	StackTrace() string
}

// nonRetriable 由不应重试的错误实现。
type nonRetriable interface {
	NonRetriable() bool
}

// NewFailureDetail 根据错误及其 Unwrap 链构建 FailureDetail。
// 该函数不会 panic；err 为 nil 时返回 nil。
func NewFailureDetail(err error, opts ...FailureOption) *FailureDetail {
	if err == nil {
		return nil
	}
	o := &failureOptions{}
	for _, opt := range opts {
		opt(o)
	}

	detail := buildFailureDetail(err, 0)
	if o.provider != nil {
		props, perr := extractProperties(o.provider, err)
		if perr != nil {
			if o.onProviderFn != nil {
				o.onProviderFn(perr)
			}
		} else if len(props) > 0 {
			detail.Properties = make(map[string]*structpb.Value, len(props))
			for k, v := range props {
				detail.Properties[k] = ToValue(v)
			}
		}
	}
	return detail
}

// maxFailureDepth 限制 Unwrap 链的展开深度，防止自引用错误导致死循环。
const maxFailureDepth = 64

func buildFailureDetail(err error, depth int) *FailureDetail {
	detail := &FailureDetail{
		ErrorType:    TypeName(err),
		ErrorMessage: safeMessage(err),
	}
	if st, ok := err.(stackTracer); ok {
		detail.StackTrace = st.StackTrace()
	}
	if nr, ok := err.(nonRetriable); ok {
		detail.IsNonRetriable = nr.NonRetriable()
	}

	inner := unwrapFirst(err)
	if inner != nil && depth < maxFailureDepth {
		detail.InnerFailure = buildFailureDetail(inner, depth+1)
		// fmt.Errorf("outer: %w", inner) 的消息包含内部错误，这里只保留外层自身的部分
		if suffix := ": " + safeMessage(inner); strings.HasSuffix(detail.ErrorMessage, suffix) {
			detail.ErrorMessage = strings.TrimSuffix(detail.ErrorMessage, suffix)
		}
	}
	return detail
}

// unwrapFirst 返回错误链中的下一个错误；多重包装时取第一个。
func unwrapFirst(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return u.Unwrap()
	case interface{ Unwrap() []error }:
		if errs := u.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return nil
}

func safeMessage(err error) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("<error message unavailable: %v>", r)
		}
	}()
	return err.Error()
}

func extractProperties(p PropertiesProvider, err error) (props map[string]any, perr error) {
	defer func() {
		if r := recover(); r != nil {
			props = nil
			perr = fmt.Errorf("exception properties provider panicked: %v", r)
		}
	}()
	return p.ExceptionProperties(err)
}

// TypeName 返回值的完整类型名，包含包路径，例如 "*github.com/x/pkg.MyError"。
func TypeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	t := reflect.TypeOf(v)
	prefix := ""
	for t.Kind() == reflect.Pointer {
		prefix += "*"
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return prefix + t.String()
	}
	return prefix + t.PkgPath() + "." + t.Name()
}

// SerializationFailure 包装跨边界传输的用户错误，始终携带完整的 FailureDetail。
type SerializationFailure struct {
	// Detail 是规范化后的失败详情
	Detail *FailureDetail
	// Err 是原始错误
	Err error
}

// NewSerializationFailure 将任意错误包装为 SerializationFailure。
func NewSerializationFailure(err error, opts ...FailureOption) *SerializationFailure {
	detail := NewFailureDetail(err, opts...)
	if detail == nil {
		detail = &FailureDetail{ErrorType: "<nil>", ErrorMessage: "unknown failure"}
	}
	return &SerializationFailure{Detail: detail, Err: err}
}

func (e *SerializationFailure) Error() string {
	return e.Detail.String()
}

// Unwrap 返回原始错误。
func (e *SerializationFailure) Unwrap() error {
	return e.Err
}

// AsSerializationFailure 从错误链中取出 SerializationFailure。
func AsSerializationFailure(err error) (*SerializationFailure, bool) {
	var sf *SerializationFailure
	if errors.As(err, &sf) {
		return sf, true
	}
	return nil, false
}
