package coingecko

import (
	"bytes"
	"encoding/json"

	"coingecko-live-feed/internal/util/fastparse"
)

// 频道名称
const (
	// ChannelPrice 简单价格频道
	ChannelPrice = "CGSimplePrice"
	// ChannelTrade 链上成交频道
	ChannelTrade = "OnchainTrade"
	// ChannelCandle 链上 K 线频道
	ChannelCandle = "OnchainOHLCV"
)

// 推送判别码
const (
	// CodePrice 价格推送，字段 c
	CodePrice = "C1"
	// CodeTrade 成交推送，字段 c
	CodeTrade = "G2"
	// CodeCandle K 线推送，字段 ch（c 为收盘价）
	CodeCandle = "G3"
)

// 协议控制消息类型
const (
	typePing    = "ping"
	typePong    = "pong"
	typeConfirm = "confirm_subscription"
)

// 命令类型
const (
	cmdSubscribe   = "subscribe"
	cmdMessage     = "message"
	cmdUnsubscribe = "unsubscribe"
)

// Command 客户端发出的命令
// pong 仅包含 type；订阅类命令包含 command 与 identifier
type Command struct {
	// Type 控制消息类型: pong
	Type string `json:"type,omitempty"`
	// Command 命令: subscribe, message, unsubscribe
	Command string `json:"command,omitempty"`
	// Identifier JSON 字符串化的频道标识，如 {"channel":"CGSimplePrice"}
	Identifier string `json:"identifier,omitempty"`
	// Data JSON 字符串化的频道参数（仅 message 命令）
	Data string `json:"data,omitempty"`
}

// channelIdentifier 频道标识
type channelIdentifier struct {
	Channel string `json:"channel"`
}

// identifierFor 生成频道标识字符串
func identifierFor(channel string) string {
	b, _ := json.Marshal(channelIdentifier{Channel: channel})
	return string(b)
}

// PongCommand 心跳回复
func PongCommand() Command {
	return Command{Type: typePong}
}

// SubscribeCommand 订阅命令
func SubscribeCommand(channel string) Command {
	return Command{Command: cmdSubscribe, Identifier: identifierFor(channel)}
}

// UnsubscribeCommand 取消订阅命令
func UnsubscribeCommand(channel string) Command {
	return Command{Command: cmdUnsubscribe, Identifier: identifierFor(channel)}
}

// MessageCommand 频道参数命令
// 参数 params: 频道参数，序列化后放入 data 字段
func MessageCommand(channel string, params map[string]any) (Command, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return Command{}, err
	}
	return Command{Command: cmdMessage, Identifier: identifierFor(channel), Data: string(data)}, nil
}

// InboundFrame 服务端推送帧
// 三类行情推送共用一组短字段名：
// - 价格 (c=C1): i 币种, p 价格, pp 24h 涨跌幅, m 市值, v 24h 成交额, t 时间戳
// - 成交 (c=G2): pu 价格, vo 成交额, to 数量, ty 方向, t 时间戳, pa 池子地址
// - K 线 (ch=G3): t, o, h, l, c（收盘价）, i 周期, pa 池子地址
type InboundFrame struct {
	// Type 协议控制消息类型: ping, confirm_subscription 等
	Type string `json:"type"`
	// Identifier 订阅确认的频道标识
	Identifier string `json:"identifier"`
	// C 价格/成交的判别码；K 线帧中为收盘价
	C json.RawMessage `json:"c"`
	// Ch K 线判别码
	Ch string `json:"ch"`
	// I 价格帧为币种 ID，K 线帧为周期
	I string `json:"i"`
	// PA 池子地址
	PA string `json:"pa"`

	P  Number `json:"p"`
	PP Number `json:"pp"`
	M  Number `json:"m"`
	V  Number `json:"v"`
	T  Number `json:"t"`

	PU Number `json:"pu"`
	VO Number `json:"vo"`
	TO Number `json:"to"`
	TY string `json:"ty"`

	O Number `json:"o"`
	H Number `json:"h"`
	L Number `json:"l"`
}

// Number 宽松数值
// 接受 JSON 数字、数字字符串或 null；无法解析时为 0
type Number float64

// UnmarshalJSON 实现 json.Unmarshaler
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*n = 0
			return nil
		}
		*n = Number(fastparse.MustParseFloat(s))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*n = 0
		return nil
	}
	*n = Number(f)
	return nil
}

// Float64 返回 float64 值
func (n Number) Float64() float64 {
	return float64(n)
}

// ConnectionMetrics 连接质量指标
type ConnectionMetrics struct {
	// ConnectCount 成功建立连接次数
	ConnectCount int64 `json:"connect_count"`
	// ReconnectCount 自动重连次数
	ReconnectCount int64 `json:"reconnect_count"`
	// FrameCount 收到的帧数
	FrameCount int64 `json:"frame_count"`
	// ParseErrorCount 解析错误次数
	ParseErrorCount int64 `json:"parse_error_count"`
	// UnknownCount 未识别帧数
	UnknownCount int64 `json:"unknown_count"`
	// DroppedCount 因不属于当前目标而丢弃的行情帧数
	DroppedCount int64 `json:"dropped_count"`
	// PongCount 已回复 pong 次数
	PongCount int64 `json:"pong_count"`
	// PendingChannels 等待确认的频道数
	PendingChannels int `json:"pending_channels"`
	// ConfirmedChannels 已确认的频道数
	ConfirmedChannels int `json:"confirmed_channels"`
	// LastMessageAgeMs 最后消息距今时间（毫秒）
	LastMessageAgeMs int64 `json:"last_message_age_ms"`
}
