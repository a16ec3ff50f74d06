package coingecko

// 判别顺序: type(ping/confirm_subscription) -> c=C1 价格 -> c=G2 成交 -> ch=G3 K 线

import (
	"encoding/json"
	"fmt"

	"coingecko-live-feed/internal/core/model"
)

// Parser 推送消息解析器（无状态）
type Parser struct{}

// NewParser 创建推送消息解析器
func NewParser() *Parser {
	return &Parser{}
}

// Parse 将一帧原始消息解码为事件
// 参数 data: 原始消息字节
// 返回: 恰好一个事件；无法识别的帧返回 model.Unknown，非法 JSON 返回错误
func (p *Parser) Parse(data []byte) (model.Event, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return model.Unknown{}, fmt.Errorf("解析推送消息失败: %w", err)
	}

	switch f.Type {
	case typePing:
		return model.Ping{}, nil
	case typeConfirm:
		return model.SubscriptionAck{Channel: channelOf(f.Identifier)}, nil
	}

	switch stringCode(f.C) {
	case CodePrice:
		return model.PriceUpdate{Price: model.PriceSnapshot{
			CoinID:       f.I,
			Price:        f.P.Float64(),
			Change24hPct: f.PP.Float64(),
			MarketCap:    f.M.Float64(),
			Volume24h:    f.V.Float64(),
			Timestamp:    f.T.Float64(),
		}}, nil
	case CodeTrade:
		return model.TradeEvent{
			Trade: model.Trade{
				Price:     f.PU.Float64(),
				Amount:    f.TO.Float64(),
				Value:     f.VO.Float64(),
				Side:      model.SideFromWire(f.TY),
				Timestamp: f.T.Float64(),
			},
			PoolAddress: f.PA,
		}, nil
	}

	if f.Ch == CodeCandle {
		var closePx Number
		if len(f.C) > 0 {
			_ = closePx.UnmarshalJSON(f.C)
		}
		return model.CandleUpdate{
			Candle: model.Candle{
				Timestamp: f.T.Float64(),
				Open:      f.O.Float64(),
				High:      f.H.Float64(),
				Low:       f.L.Float64(),
				Close:     closePx.Float64(),
			},
			PoolAddress: f.PA,
			Interval:    f.I,
		}, nil
	}

	return model.Unknown{}, nil
}

// stringCode 提取字符串形式的判别码
// K 线帧中 c 为数值，返回空字符串
func stringCode(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// channelOf 从频道标识字符串中提取频道名
// 标识缺失或非法时返回空字符串
func channelOf(identifier string) string {
	if identifier == "" {
		return ""
	}
	var id channelIdentifier
	if err := json.Unmarshal([]byte(identifier), &id); err != nil {
		return ""
	}
	return id.Channel
}

