// Package timeutil 提供本地时间戳工具。
// 用于消息新鲜度统计和快照记录时间。
package timeutil

import (
	"time"
)

var (
	// baseTime 基准时间点（包含单调时钟读数）
	baseTime = time.Now()
	// baseUnixNs 基准时间点对应的 Unix 纳秒时间戳
	baseUnixNs = baseTime.UnixNano()
)

// NowNano 获取当前 Unix 纳秒时间戳
// 基于单调时钟推算，系统时间跳变时“最后消息距今”等差值不会出现负数
func NowNano() int64 {
	return baseUnixNs + time.Since(baseTime).Nanoseconds()
}

// NowMs 获取当前 Unix 毫秒时间戳
func NowMs() int64 {
	return NowNano() / 1_000_000
}

// MsToTime 将毫秒时间戳转换为 time.Time
// 推送中的成交与 K 线时间戳为毫秒
func MsToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
