// Package fastparse 提供推送数值字段的解析函数。
// CoinGecko 推送中部分数值以字符串形式出现，统一用 strconv 解析。
package fastparse

import (
	"strconv"
	"strings"
)

// ParseFloat 解析浮点数字符串，允许首尾空白
func ParseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// MustParseFloat 解析浮点数，失败时返回 0
// 推送字段缺失或格式异常时按 0 处理
func MustParseFloat(s string) float64 {
	v, err := ParseFloat(s)
	if err != nil {
		return 0
	}
	return v
}
