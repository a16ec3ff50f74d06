// Package store 维护实时行情的三个独立状态切片（价格、成交、K 线）。
// Reduce 为纯函数；Store 使用单写者模式，由推送主循环单 goroutine 写入。
package store

import (
	"sync"

	"coingecko-live-feed/internal/core/model"
)

// DefaultTradeCap 默认成交队列长度
const DefaultTradeCap = 7

// State 三个状态切片
type State struct {
	// Price 最新价格快照
	Price *model.PriceSnapshot
	// Trades 最近成交，最新在前，长度不超过上限
	Trades []model.Trade
	// Candle 最新 K 线
	Candle *model.Candle
}

// Reduce 将单个事件应用到状态上，返回新状态
// 参数 s: 当前状态（不会被修改）
// 参数 ev: 解码后的事件
// 参数 tradeCap: 成交队列上限
// 返回: 新状态，以及状态是否发生变化
func Reduce(s State, ev model.Event, tradeCap int) (State, bool) {
	if tradeCap <= 0 {
		tradeCap = DefaultTradeCap
	}

	switch e := ev.(type) {
	case model.PriceUpdate:
		p := e.Price
		s.Price = &p
		return s, true

	case model.TradeEvent:
		n := len(s.Trades) + 1
		if n > tradeCap {
			n = tradeCap
		}
		trades := make([]model.Trade, 0, n)
		trades = append(trades, e.Trade)
		for _, tr := range s.Trades {
			if len(trades) == n {
				break
			}
			trades = append(trades, tr)
		}
		s.Trades = trades
		return s, true

	case model.CandleUpdate:
		c := e.Candle
		s.Candle = &c
		return s, true

	default:
		// Ping / SubscriptionAck / Unknown 不属于状态切片
		return s, false
	}
}

// Store 最新状态缓存（单写者）
// 注意：Apply/Reset 只能由推送主循环调用；Snapshot 可被任意 goroutine 调用。
type Store struct {
	// tradeCap 成交队列上限
	tradeCap int

	mu    sync.RWMutex
	state State
}

// New 创建状态缓存
// 参数 tradeCap: 成交队列上限，<=0 时使用默认值 7
func New(tradeCap int) *Store {
	if tradeCap <= 0 {
		tradeCap = DefaultTradeCap
	}
	return &Store{tradeCap: tradeCap}
}

// Apply 应用事件
// 返回: 状态是否发生变化
func (s *Store) Apply(ev model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, changed := Reduce(s.state, ev, s.tradeCap)
	if changed {
		s.state = next
	}
	return changed
}

// Reset 清空全部状态切片
func (s *Store) Reset() {
	s.mu.Lock()
	s.state = State{}
	s.mu.Unlock()
}

// Empty 判断三个状态切片是否均为空
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Price == nil && len(s.state.Trades) == 0 && s.state.Candle == nil
}

// Snapshot 获取状态拷贝
// 返回值与内部状态不共享内存，可安全跨 goroutine 传递
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := State{}
	if s.state.Price != nil {
		p := *s.state.Price
		out.Price = &p
	}
	if s.state.Candle != nil {
		c := *s.state.Candle
		out.Candle = &c
	}
	out.Trades = make([]model.Trade, len(s.state.Trades))
	copy(out.Trades, s.state.Trades)
	return out
}

// TradeCap 返回成交队列上限
func (s *Store) TradeCap() int {
	return s.tradeCap
}
