package model

// EventKind 推送事件类型
type EventKind int

const (
	// KindUnknown 无法识别的帧，直接丢弃
	KindUnknown EventKind = iota
	// KindPing 服务端心跳
	KindPing
	// KindSubscriptionAck 订阅确认
	KindSubscriptionAck
	// KindPriceUpdate 价格更新
	KindPriceUpdate
	// KindTradeEvent 链上成交
	KindTradeEvent
	// KindCandleUpdate K 线更新
	KindCandleUpdate
)

// String 返回事件类型名称（用于日志）
func (k EventKind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindSubscriptionAck:
		return "subscription_ack"
	case KindPriceUpdate:
		return "price_update"
	case KindTradeEvent:
		return "trade_event"
	case KindCandleUpdate:
		return "candle_update"
	default:
		return "unknown"
	}
}

// Event 解码后的推送事件
// 每一帧只会解码为以下类型之一：Ping、SubscriptionAck、PriceUpdate、TradeEvent、CandleUpdate、Unknown
type Event interface {
	Kind() EventKind
}

// Ping 服务端心跳，需要立即回复 pong
type Ping struct{}

// SubscriptionAck 订阅确认
type SubscriptionAck struct {
	// Channel 被确认的频道名
	Channel string
}

// PriceUpdate 价格推送
type PriceUpdate struct {
	Price PriceSnapshot
}

// TradeEvent 链上成交推送
type TradeEvent struct {
	Trade Trade
	// PoolAddress 推送携带的池子地址（可能为空）
	PoolAddress string
}

// CandleUpdate K 线推送
type CandleUpdate struct {
	Candle Candle
	// PoolAddress 推送携带的池子地址（可能为空）
	PoolAddress string
	// Interval 推送携带的周期（可能为空）
	Interval string
}

// Unknown 未识别的帧
type Unknown struct{}

func (Ping) Kind() EventKind            { return KindPing }
func (SubscriptionAck) Kind() EventKind { return KindSubscriptionAck }
func (PriceUpdate) Kind() EventKind     { return KindPriceUpdate }
func (TradeEvent) Kind() EventKind      { return KindTradeEvent }
func (CandleUpdate) Kind() EventKind    { return KindCandleUpdate }
func (Unknown) Kind() EventKind         { return KindUnknown }
