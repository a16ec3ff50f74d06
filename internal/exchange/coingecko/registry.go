package coingecko

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// SubStatus 频道订阅状态
type SubStatus int

const (
	// StatusPending 已发送订阅，等待服务端确认
	StatusPending SubStatus = iota + 1
	// StatusConfirmed 服务端已确认
	StatusConfirmed
)

// String 返回状态名称
func (s SubStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	default:
		return "none"
	}
}

// Subscription 单个频道订阅
type Subscription struct {
	// Channel 频道名，注册表内唯一
	Channel string
	// Params 频道参数（可能为 nil）
	Params map[string]any
	// Status 订阅状态
	Status SubStatus
}

// Sender 命令发送方
// 由连接管理器实现，所有出站命令经由同一个 Sender 串行发出
type Sender interface {
	Send(cmd Command) error
}

// Registry 频道订阅注册表
// 非并发安全：只能在推送主循环中调用
type Registry struct {
	// sender 命令发送方
	sender Sender
	// logger 日志记录器
	logger *zap.Logger
	// subs 按频道名索引的订阅
	subs map[string]*Subscription
	// order 订阅顺序（取消订阅时按此顺序发送）
	order []string
}

// NewRegistry 创建订阅注册表
// 参数 sender: 命令发送方
// 参数 logger: 日志记录器
func NewRegistry(sender Sender, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sender: sender,
		logger: logger.Named("registry"),
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe 订阅频道（幂等）
// 频道已处于 Pending 或 Confirmed 时直接返回；否则先发送 subscribe，
// 若 params 非空再发送 message 命令，并将频道标记为 Pending。
// 参数 channel: 频道名
// 参数 params: 频道参数，可为 nil
func (r *Registry) Subscribe(channel string, params map[string]any) error {
	if _, ok := r.subs[channel]; ok {
		return nil
	}

	if err := r.sender.Send(SubscribeCommand(channel)); err != nil {
		return fmt.Errorf("发送订阅命令失败 channel=%s: %w", channel, err)
	}

	// subscribe 已发出即视为 Pending，避免参数命令失败后重复订阅
	r.subs[channel] = &Subscription{Channel: channel, Params: params, Status: StatusPending}
	r.order = append(r.order, channel)

	if params != nil {
		cmd, err := MessageCommand(channel, params)
		if err != nil {
			return fmt.Errorf("序列化频道参数失败 channel=%s: %w", channel, err)
		}
		if err := r.sender.Send(cmd); err != nil {
			return fmt.Errorf("发送频道参数失败 channel=%s: %w", channel, err)
		}
	}

	r.logger.Debug("频道订阅已发送", zap.String("channel", channel))
	return nil
}

// OnAck 处理订阅确认
// 返回: 是否发生 Pending -> Confirmed 转换
func (r *Registry) OnAck(channel string) bool {
	sub, ok := r.subs[channel]
	if !ok || sub.Status != StatusPending {
		return false
	}
	sub.Status = StatusConfirmed
	r.logger.Debug("频道订阅已确认", zap.String("channel", channel))
	return true
}

// UnsubscribeAll 对所有已跟踪频道发送取消订阅（不论状态），然后清空注册表
// 发送失败不会中断后续频道，所有错误合并返回
func (r *Registry) UnsubscribeAll() error {
	var errs []error
	for _, channel := range r.order {
		if err := r.sender.Send(UnsubscribeCommand(channel)); err != nil {
			errs = append(errs, fmt.Errorf("发送取消订阅失败 channel=%s: %w", channel, err))
		}
	}
	if len(r.order) > 0 {
		r.logger.Debug("已取消全部订阅", zap.Int("channels", len(r.order)))
	}
	r.Reset()
	return errors.Join(errs...)
}

// Reset 清空注册表但不发送任何命令
// 用于连接关闭后的本地状态清理
func (r *Registry) Reset() {
	clear(r.subs)
	r.order = r.order[:0]
}

// Status 查询频道订阅状态
// 返回: 状态，以及频道是否被跟踪
func (r *Registry) Status(channel string) (SubStatus, bool) {
	sub, ok := r.subs[channel]
	if !ok {
		return 0, false
	}
	return sub.Status, true
}

// Has 频道是否被跟踪（Pending 或 Confirmed）
func (r *Registry) Has(channel string) bool {
	_, ok := r.subs[channel]
	return ok
}

// Channels 返回按订阅顺序排列的频道名
func (r *Registry) Channels() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Counts 返回 Pending 与 Confirmed 频道数
func (r *Registry) Counts() (pending, confirmed int) {
	for _, sub := range r.subs {
		switch sub.Status {
		case StatusPending:
			pending++
		case StatusConfirmed:
			confirmed++
		}
	}
	return pending, confirmed
}
