// Package backoff 实现推送连接的指数退避重连。
// 仅在开启 ws.reconnect_enabled 后使用；默认基础间隔 1s，最大间隔 30s，抖动 ±20%
package backoff

import (
	"math/rand"
	"time"
)

// DefaultJitter 默认抖动比例
const DefaultJitter = 0.2

// Backoff 指数退避计算器
// 非并发安全，由推送主循环独占使用
type Backoff struct {
	// base 基础等待时间
	base time.Duration
	// max 最大等待时间（抖动前）
	max time.Duration
	// jitter 抖动比例（0-1）
	jitter float64
	// attempt 当前重试次数
	attempt int
	// randFloat 返回 [0,1) 随机数，测试中可替换
	randFloat func() float64
}

// New 创建退避计算器
// 参数 base: 基础等待时间
// 参数 max: 最大等待时间
// 参数 jitter: 抖动比例，例如 0.2 表示 ±20%
func New(base, max time.Duration, jitter float64) *Backoff {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Backoff{
		base:      base,
		max:       max,
		jitter:    jitter,
		randFloat: rand.Float64,
	}
}

// NewDefault 创建默认配置的退避计算器
func NewDefault() *Backoff {
	return New(time.Second, 30*time.Second, DefaultJitter)
}

// Next 返回下一次重连前的等待时间: min(base*2^attempt, max) * (1 ± jitter)
func (b *Backoff) Next() time.Duration {
	delay := b.max
	// 超过 30 次位移后必然已封顶，避免溢出
	if b.attempt < 30 {
		if d := b.base << b.attempt; d > 0 && d < b.max {
			delay = d
		}
	}

	if b.jitter > 0 {
		factor := 1.0 + (b.randFloat()*2-1)*b.jitter
		delay = time.Duration(float64(delay) * factor)
	}

	b.attempt++
	return delay
}

// Reset 连接成功后重置重试次数
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt 当前重试次数
func (b *Backoff) Attempt() int {
	return b.attempt
}
