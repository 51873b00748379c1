package utils

import (
	"github.com/bytedance/sonic"
)

// Marshal 将对象序列化为JSON字节数组
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal 将JSON字节数组解析到指定对象
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// FromMap 将Map转换为对象
func FromMap[T any](m map[string]any) (T, error) {
	var v T
	bytes, err := sonic.Marshal(m)
	if err != nil {
		return v, err
	}
	if err := sonic.Unmarshal(bytes, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Valid 验证是否为有效的JSON
func Valid(data []byte) bool {
	return sonic.Valid(data)
}

// GetString 从JSON中获取指定路径的字符串值
func GetString(data []byte, path ...any) (string, error) {
	node, err := sonic.Get(data, path...)
	if err != nil {
		return "", err
	}
	return node.String()
}
