package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

type point struct{ X, Y int }

type cyclic map[string]any

// TestToValue 测试自定义错误属性到 protobuf Value 的转换规则。
func TestToValue(t *testing.T) {
	when := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	var nilPtr *point

	tests := []struct {
		name  string
		input any
		check func(t *testing.T, v *structpb.Value)
	}{
		{
			name:  "nil",
			input: nil,
			check: func(t *testing.T, v *structpb.Value) {
				if _, ok := v.GetKind().(*structpb.Value_NullValue); !ok {
					t.Errorf("expected null, got %v", v)
				}
			},
		},
		{
			name:  "typed nil pointer",
			input: nilPtr,
			check: func(t *testing.T, v *structpb.Value) {
				if _, ok := v.GetKind().(*structpb.Value_NullValue); !ok {
					t.Errorf("expected null, got %v", v)
				}
			},
		},
		{
			name:  "string",
			input: "hello",
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetStringValue() != "hello" {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "NaN",
			input: math.NaN(),
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetStringValue() != "NaN" {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "positive infinity",
			input: math.Inf(1),
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetStringValue() != "Infinity" {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "negative infinity float32",
			input: float32(math.Inf(-1)),
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetStringValue() != "-Infinity" {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "non-finite protobuf number",
			input: structpb.NewNumberValue(math.NaN()),
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetStringValue() != "NaN" {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "bool",
			input: true,
			check: func(t *testing.T, v *structpb.Value) {
				if !v.GetBoolValue() {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "int widened",
			input: int32(7),
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetNumberValue() != 7 {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "uint widened",
			input: uint64(9),
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetNumberValue() != 9 {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "float",
			input: 2.5,
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetNumberValue() != 2.5 {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "time as iso-8601",
			input: when,
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetStringValue() != "2025-03-01T12:30:00Z" {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "nested map",
			input: map[string]any{"a": 1, "b": map[string]string{"c": "d"}},
			check: func(t *testing.T, v *structpb.Value) {
				fields := v.GetStructValue().GetFields()
				if fields["a"].GetNumberValue() != 1 {
					t.Errorf("unexpected a: %v", fields["a"])
				}
				if fields["b"].GetStructValue().GetFields()["c"].GetStringValue() != "d" {
					t.Errorf("unexpected b: %v", fields["b"])
				}
			},
		},
		{
			name:  "list",
			input: []any{1, "two", []int{3}},
			check: func(t *testing.T, v *structpb.Value) {
				values := v.GetListValue().GetValues()
				if len(values) != 3 || values[1].GetStringValue() != "two" || len(values[2].GetListValue().GetValues()) != 1 {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "non-string keyed map falls back to string",
			input: map[int]string{1: "x"},
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetStringValue() != "map[1:x]" {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "struct falls back to string",
			input: point{X: 1, Y: 2},
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetStringValue() != "{1 2}" {
					t.Errorf("unexpected %v", v)
				}
			},
		},
		{
			name:  "error uses its text",
			input: errors.New("bad"),
			check: func(t *testing.T, v *structpb.Value) {
				if v.GetStringValue() != "bad" {
					t.Errorf("unexpected %v", v)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, ToValue(tt.input))
		})
	}
}

// TestToValue_CyclicIsTotal 确认自引用结构不会导致无限递归。
func TestToValue_CyclicIsTotal(t *testing.T) {
	c := cyclic{}
	c["self"] = c

	v := ToValue(c)
	if v.GetStructValue() == nil {
		t.Fatalf("expected struct, got %v", v)
	}
}
