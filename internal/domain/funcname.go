package domain

import "strings"

// NameVersionDelimiter 分隔函数名称和版本号。
const NameVersionDelimiter = "@"

// CombineNameVersion 将函数名称和可选版本组合为单个字符串。
// version 为 nil 时原样返回 name，不追加分隔符；空字符串版本只追加分隔符。
func CombineNameVersion(name string, version *string) string {
	if version == nil {
		return name
	}
	return name + NameVersionDelimiter + *version
}

// ParseNameVersion 是 CombineNameVersion 的逆操作。
// 不包含分隔符的输入返回 nil 版本。
func ParseNameVersion(s string) (string, *string) {
	name, version, found := strings.Cut(s, NameVersionDelimiter)
	if !found {
		return s, nil
	}
	return name, &version
}

// ValidateFunctionName 检查函数名称非空且不包含版本分隔符。
func ValidateFunctionName(name string) error {
	if strings.TrimSpace(name) == "" || strings.Contains(name, NameVersionDelimiter) {
		return ErrInvalidFunctionName
	}
	return nil
}
