package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// maxValueDepth 是 ToValue 递归转换的最大深度，超出部分按字符串处理。
const maxValueDepth = 32

var timeType = reflect.TypeOf(time.Time{})

// ToValue 将任意 Go 值转换为引擎兼容的 protobuf Value。
//
// 转换规则：
//   - nil（包括类型化的 nil 指针）→ Null
//   - string → String
//   - bool → Bool
//   - 所有整数和浮点数 → Number（扩展为 float64）
//   - time.Time → ISO-8601（RFC 3339）字符串
//   - 键为字符串的 map → Struct（递归转换）
//   - slice / array → List（递归转换）
//   - error → Error() 文本
//   - 其他类型 → fmt.Sprint 的文本表示
//
// 该函数是全函数，不会 panic。
func ToValue(v any) *structpb.Value {
	return toValue(v, 0)
}

func toValue(v any, depth int) (out *structpb.Value) {
	defer func() {
		if r := recover(); r != nil {
			out = structpb.NewStringValue(fmt.Sprintf("%v", r))
		}
	}()

	if v == nil {
		return structpb.NewNullValue()
	}

	switch x := v.(type) {
	case string:
		return structpb.NewStringValue(x)
	case bool:
		return structpb.NewBoolValue(x)
	case time.Time:
		return structpb.NewStringValue(x.Format(time.RFC3339Nano))
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return numberValue(f)
		}
		return structpb.NewStringValue(x.String())
	case *structpb.Value:
		if x == nil {
			return structpb.NewNullValue()
		}
		if n, ok := x.GetKind().(*structpb.Value_NumberValue); ok {
			return numberValue(n.NumberValue)
		}
		return x
	case error:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return structpb.NewNullValue()
		}
		return structpb.NewStringValue(x.Error())
	}

	if depth >= maxValueDepth {
		// 超出深度的值可能是自引用结构，fmt.Sprint 会无限递归，这里只保留类型名
		return structpb.NewStringValue("<" + TypeName(v) + ">")
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return structpb.NewNumberValue(float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return structpb.NewNumberValue(float64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return numberValue(rv.Float())
	case reflect.String:
		return structpb.NewStringValue(rv.String())
	case reflect.Bool:
		return structpb.NewBoolValue(rv.Bool())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return structpb.NewNullValue()
		}
		if _, ok := v.(fmt.Stringer); ok {
			return structpb.NewStringValue(fmt.Sprint(v))
		}
		return toValue(rv.Elem().Interface(), depth+1)
	case reflect.Map:
		if rv.IsNil() {
			return structpb.NewNullValue()
		}
		if rv.Type().Key().Kind() != reflect.String {
			return structpb.NewStringValue(fmt.Sprint(v))
		}
		fields := make(map[string]*structpb.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			fields[iter.Key().String()] = toValue(iter.Value().Interface(), depth+1)
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields})
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return structpb.NewNullValue()
		}
		values := make([]*structpb.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			values = append(values, toValue(rv.Index(i).Interface(), depth+1))
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values})
	case reflect.Struct:
		if rv.Type().ConvertibleTo(timeType) {
			return structpb.NewStringValue(rv.Convert(timeType).Interface().(time.Time).Format(time.RFC3339Nano))
		}
	}

	return structpb.NewStringValue(fmt.Sprint(v))
}

// numberValue 把非有限浮点数转换为字符串，JSON 不能表示 NaN 和 ±Inf。
func numberValue(f float64) *structpb.Value {
	switch {
	case math.IsNaN(f):
		return structpb.NewStringValue("NaN")
	case math.IsInf(f, 1):
		return structpb.NewStringValue("Infinity")
	case math.IsInf(f, -1):
		return structpb.NewStringValue("-Infinity")
	}
	return structpb.NewNumberValue(f)
}
