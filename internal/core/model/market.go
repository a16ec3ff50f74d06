// Package model 定义实时行情推送中使用的核心数据结构。
// 包含价格快照、成交、K 线、订阅目标等类型。
package model

import (
	"fmt"
	"strings"
)

// Side 成交方向
type Side string

const (
	// SideBuy 买入成交（推送字段 ty = "b"）
	SideBuy Side = "buy"
	// SideSell 卖出成交（ty 为其他任意值）
	SideSell Side = "sell"
)

// SideFromWire 将推送中的方向字段转换为 Side
// 参数 ty: 推送字段 ty，"b" 表示买入，其余均视为卖出
func SideFromWire(ty string) Side {
	if ty == "b" {
		return SideBuy
	}
	return SideSell
}

// PriceSnapshot 币种价格快照
// 每次推送整体替换，不做字段级合并
type PriceSnapshot struct {
	// CoinID 币种 ID，如 bitcoin
	CoinID string `json:"coin_id"`
	// Price 美元价格
	Price float64 `json:"price"`
	// Change24hPct 24 小时涨跌幅（百分比）
	Change24hPct float64 `json:"change_24h_pct"`
	// MarketCap 市值（美元）
	MarketCap float64 `json:"market_cap"`
	// Volume24h 24 小时成交额（美元）
	Volume24h float64 `json:"volume_24h"`
	// Timestamp 推送时间戳（保持服务端原始单位）
	Timestamp float64 `json:"timestamp"`
}

// Trade 链上成交
// 创建后不可修改
type Trade struct {
	// Price 成交价格（美元）
	Price float64 `json:"price"`
	// Amount 成交数量（代币）
	Amount float64 `json:"amount"`
	// Value 成交额（美元）
	Value float64 `json:"value"`
	// Side 成交方向
	Side Side `json:"side"`
	// Timestamp 成交时间戳（毫秒）
	Timestamp float64 `json:"timestamp"`
}

// Candle 最新一根进行中的 K 线
// 仅表示最近一根，整体替换，不保留历史序列
type Candle struct {
	// Timestamp K 线开始时间戳
	Timestamp float64 `json:"timestamp"`
	// Open 开盘价
	Open float64 `json:"open"`
	// High 最高价
	High float64 `json:"high"`
	// Low 最低价
	Low float64 `json:"low"`
	// Close 收盘价（最新价）
	Close float64 `json:"close"`
}

// Interval 实时 K 线周期
type Interval string

const (
	// Interval1s 1 秒 K 线
	Interval1s Interval = "1s"
	// Interval1m 1 分钟 K 线
	Interval1m Interval = "1m"
)

// Valid 判断周期是否受支持
func (i Interval) Valid() bool {
	return i == Interval1s || i == Interval1m
}

// Target 订阅目标
// 决定哪些频道处于活跃状态
type Target struct {
	// CoinID 币种 ID（必填）
	CoinID string `json:"coin_id" yaml:"coin_id"`
	// PoolID 链上池子 ID，格式 network_address；为空时仅订阅价格
	PoolID string `json:"pool_id,omitempty" yaml:"pool_id"`
	// Interval 实时 K 线周期
	Interval Interval `json:"interval" yaml:"interval"`
}

// Validate 验证订阅目标
func (t Target) Validate() error {
	if strings.TrimSpace(t.CoinID) == "" {
		return fmt.Errorf("coin_id 不能为空")
	}
	if !t.Interval.Valid() {
		return fmt.Errorf("无效的 K 线周期 '%s'，有效值: 1s, 1m", t.Interval)
	}
	return nil
}

// HasPool 是否配置了链上池子
func (t Target) HasPool() bool {
	return t.PoolID != ""
}

// PoolAddress 返回推送协议使用的池子地址
// 将 PoolID 中第一个 "_" 替换为 ":"，如 eth_0xabc -> eth:0xabc
func (t Target) PoolAddress() string {
	if t.PoolID == "" {
		return ""
	}
	return strings.Replace(t.PoolID, "_", ":", 1)
}

// LiveState 对外暴露的实时状态
// 渲染层只读取这一结构
type LiveState struct {
	// Price 最新价格快照，可能为 nil
	Price *PriceSnapshot `json:"price"`
	// Trades 最近成交，最新在前
	Trades []Trade `json:"trades"`
	// Candle 最新 K 线，可能为 nil
	Candle *Candle `json:"candle"`
	// IsConnected 连接是否处于 Open 状态
	IsConnected bool `json:"is_connected"`
}
