package coingecko

import (
	"strings"

	"coingecko-live-feed/internal/core/model"
)

// 频道参数动作
const (
	actionSetTokens = "set_tokens"
	actionSetPools  = "set_pools"
	poolsParamKey   = "network_id:pool_addresses"
)

// ChannelRequest 单个频道订阅请求
type ChannelRequest struct {
	// Channel 频道名
	Channel string
	// Params 频道参数
	Params map[string]any
}

// Transition 目标变更后需要执行的步骤
// 执行顺序固定: 清空状态 -> 取消全部订阅 -> 依次订阅
type Transition struct {
	// ResetState 是否清空价格/成交/K 线状态
	ResetState bool
	// UnsubscribeAll 是否取消当前全部订阅
	UnsubscribeAll bool
	// Subscribe 新目标需要订阅的频道（按顺序）
	Subscribe []ChannelRequest
}

// Plan 根据订阅目标计算切换步骤（纯函数）
// 价格频道总是订阅；配置了池子时额外订阅成交与 K 线频道
// 参数 t: 新的订阅目标
func Plan(t model.Target) Transition {
	tr := Transition{
		ResetState:     true,
		UnsubscribeAll: true,
		Subscribe: []ChannelRequest{
			{
				Channel: ChannelPrice,
				Params: map[string]any{
					"coin_id": []string{t.CoinID},
					"action":  actionSetTokens,
				},
			},
		},
	}

	if !t.HasPool() {
		return tr
	}

	addr := t.PoolAddress()
	tr.Subscribe = append(tr.Subscribe,
		ChannelRequest{
			Channel: ChannelTrade,
			Params: map[string]any{
				poolsParamKey: []string{addr},
				"action":      actionSetPools,
			},
		},
		ChannelRequest{
			Channel: ChannelCandle,
			Params: map[string]any{
				poolsParamKey: []string{addr},
				"interval":    string(t.Interval),
				"action":      actionSetPools,
			},
		},
	)
	return tr
}

// channelFor 返回行情事件所属的频道
func channelFor(ev model.Event) string {
	switch ev.(type) {
	case model.PriceUpdate:
		return ChannelPrice
	case model.TradeEvent:
		return ChannelTrade
	case model.CandleUpdate:
		return ChannelCandle
	default:
		return ""
	}
}

// Accepts 判断行情事件是否属于当前目标
// 事件所属频道必须在注册表中；帧中携带的币种/池子/周期与当前目标不一致时丢弃
// 参数 t: 当前订阅目标，nil 表示无目标
// 参数 reg: 当前订阅注册表
// 参数 ev: 行情事件
func Accepts(t *model.Target, reg *Registry, ev model.Event) bool {
	if t == nil {
		return false
	}
	channel := channelFor(ev)
	if channel == "" || !reg.Has(channel) {
		return false
	}

	switch e := ev.(type) {
	case model.PriceUpdate:
		return e.Price.CoinID == "" || e.Price.CoinID == t.CoinID
	case model.TradeEvent:
		return t.HasPool() && poolMatches(e.PoolAddress, t.PoolAddress())
	case model.CandleUpdate:
		if !t.HasPool() {
			return false
		}
		if !poolMatches(e.PoolAddress, t.PoolAddress()) {
			return false
		}
		return e.Interval == "" || e.Interval == string(t.Interval)
	}
	return false
}

// poolMatches 比较推送中的池子地址与目标地址
// 推送可能携带 network:address 或仅 address；地址不区分大小写；为空视为匹配
func poolMatches(pa, addr string) bool {
	if pa == "" {
		return true
	}
	if strings.EqualFold(pa, addr) {
		return true
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 && !strings.Contains(pa, ":") {
		return strings.EqualFold(pa, addr[i+1:])
	}
	return false
}
