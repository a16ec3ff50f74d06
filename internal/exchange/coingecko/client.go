// Package coingecko 实现 CoinGecko 推送客户端。
// 单条连接复用三个频道: CGSimplePrice（价格）、OnchainTrade（链上成交）、OnchainOHLCV（链上 K 线）
// 心跳机制: 服务端发送 {"type":"ping"}，客户端立即回复 {"type":"pong"}
// 断线后默认不重连，仅在目标变更或重启时重新建立连接
package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coingecko-live-feed/internal/config"
	"coingecko-live-feed/internal/core/model"
	"coingecko-live-feed/internal/core/store"
	"coingecko-live-feed/internal/stats/latency"
	"coingecko-live-feed/internal/util/backoff"
	"coingecko-live-feed/internal/util/timeutil"
)

// 错误定义
var (
	ErrNotStarted     = errors.New("推送客户端未启动")
	ErrAlreadyStarted = errors.New("推送客户端已启动")
	ErrClosed         = errors.New("推送客户端已关闭")
	ErrNotConnected   = errors.New("推送连接未建立")
	ErrInvalidTarget  = errors.New("无效的订阅目标")
)

// ConnState 连接状态
type ConnState int32

const (
	// StateClosed 未连接
	StateClosed ConnState = iota
	// StateConnecting 正在建立连接
	StateConnecting
	// StateOpen 连接可用
	StateOpen
	// StateClosing 正在关闭
	StateClosing
)

// String 返回状态名称
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Recorder 状态记录器（如 jsonl.SnapshotRecorder）
// 在主循环中同步调用，实现方不应阻塞
type Recorder interface {
	Record(state model.LiveState) error
}

// SenderFunc 函数形式的 Sender
type SenderFunc func(cmd Command) error

// Send 实现 Sender
func (f SenderFunc) Send(cmd Command) error {
	return f(cmd)
}

type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

type inboundMsg struct {
	gen  uint64
	data []byte
	err  error
}

// Client CoinGecko 推送客户端
// 所有连接状态、订阅注册表与行情状态只由主循环 goroutine 修改，
// 出站命令因此天然串行；其他 goroutine 通过 SetTarget/Snapshot/Updates 交互。
type Client struct {
	// cfg 推送连接配置
	cfg *config.WSConfig
	// logger 日志记录器
	logger *zap.Logger
	// parser 消息解析器
	parser *Parser
	// dialer 连接建立器
	dialer Dialer
	// store 行情状态
	store *store.Store
	// registry 频道订阅注册表
	registry *Registry
	// backoff 重连退避（仅 reconnect_enabled 时使用）
	backoff *backoff.Backoff
	// recorder 状态记录器（可选）
	recorder Recorder
	// latency 各频道推送新鲜度统计
	latency *latency.Tracker

	// 以下字段仅由主循环访问
	conn           Conn
	gen            uint64
	session        string
	target         *model.Target
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time

	// state 连接状态（ConnState）
	state int32

	targetCh chan *model.Target
	dialCh   chan dialResult
	frameCh  chan inboundMsg
	updates  chan model.LiveState

	latest   model.LiveState
	latestMu sync.RWMutex

	// metrics 连接指标
	metrics ConnectionMetrics
	// metricsMu 指标锁
	metricsMu sync.RWMutex
	// lastMsgTime 最后消息时间（纳秒）
	lastMsgTime int64

	// parseErrSampleCount 解析错误计数（用于采样日志）
	parseErrSampleCount uint64
	// lastParseErrLogNs 上次解析错误日志时间（纳秒）
	lastParseErrLogNs int64

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient 创建 CoinGecko 推送客户端
// 参数 cfg: 推送连接配置
// 参数 live: 实时状态配置
// 参数 logger: 日志记录器
func NewClient(cfg *config.WSConfig, live config.LiveConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:      cfg,
		logger:   logger.Named("coingecko"),
		parser:   NewParser(),
		dialer:   newWSDialer(cfg),
		store:    store.New(live.TradeCap),
		backoff:  backoffFor(cfg),
		latency:  latency.NewTracker(latency.DefaultWindowSize),
		targetCh: make(chan *model.Target),
		dialCh:   make(chan dialResult),
		frameCh:  make(chan inboundMsg, 64),
		updates:  make(chan model.LiveState, 1),
		done:     make(chan struct{}),
	}
	c.registry = NewRegistry(SenderFunc(c.send), c.logger)
	c.latest = model.LiveState{Trades: []model.Trade{}}
	return c
}

// backoffFor 根据配置创建重连退避，未配置时使用默认值
func backoffFor(cfg *config.WSConfig) *backoff.Backoff {
	if cfg.ReconnectBaseMs <= 0 || cfg.ReconnectMaxMs <= 0 {
		return backoff.NewDefault()
	}
	return backoff.New(
		time.Duration(cfg.ReconnectBaseMs)*time.Millisecond,
		time.Duration(cfg.ReconnectMaxMs)*time.Millisecond,
		backoff.DefaultJitter,
	)
}

// SetRecorder 设置状态记录器，需在 Start 之前调用
func (c *Client) SetRecorder(r Recorder) {
	c.recorder = r
}

// Start 启动主循环
// 连接在首次设置目标后才会建立
// 参数 ctx: 上下文，取消后等同于 Close
func (c *Client) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Close 关闭客户端
// 同步关闭连接并清空状态，返回后不会再有任何写入发生
func (c *Client) Close() error {
	c.lifeMu.Lock()
	cancel := c.cancel
	c.lifeMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-c.done
	c.logger.Info("CoinGecko 客户端已关闭")
	return nil
}

// SetTarget 设置订阅目标
// nil 表示清除目标并关闭连接；目标变化时清空状态并重新订阅
// 参数 t: 新的订阅目标
func (c *Client) SetTarget(t *model.Target) error {
	if t != nil {
		cp := *t
		if cp.Interval == "" {
			cp.Interval = model.Interval1s
		}
		if err := cp.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		t = &cp
	}

	c.lifeMu.Lock()
	started := c.started
	c.lifeMu.Unlock()
	if !started {
		return ErrNotStarted
	}

	select {
	case c.targetCh <- t:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// State 返回当前连接状态
func (c *Client) State() ConnState {
	return ConnState(atomic.LoadInt32(&c.state))
}

// IsConnected 连接是否处于 Open 状态
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// Snapshot 返回最近一次发布的实时状态
// 返回值中的指针与切片应视为只读
func (c *Client) Snapshot() model.LiveState {
	c.latestMu.RLock()
	defer c.latestMu.RUnlock()
	return c.latest
}

// Updates 实时状态更新通道
// 仅保留最新一次状态，消费慢时中间状态会被覆盖
func (c *Client) Updates() <-chan model.LiveState {
	return c.updates
}

// Latency 返回各频道推送新鲜度统计
func (c *Client) Latency() []latency.Stats {
	return c.latency.All()
}

// Done 主循环退出后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Metrics 获取连接指标
func (c *Client) Metrics() ConnectionMetrics {
	c.metricsMu.RLock()
	m := c.metrics
	c.metricsMu.RUnlock()

	if last := atomic.LoadInt64(&c.lastMsgTime); last > 0 {
		m.LastMessageAgeMs = (timeutil.NowNano() - last) / 1_000_000
	}
	return m
}

// run 主循环
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()

	c.publish()

	for {
		select {
		case <-ctx.Done():
			return

		case t := <-c.targetCh:
			c.handleTarget(ctx, t)

		case r := <-c.dialCh:
			c.handleDial(ctx, r)

		case msg := <-c.frameCh:
			c.handleInbound(msg)

		case <-c.reconnectC:
			c.reconnectTimer = nil
			c.reconnectC = nil
			if c.target == nil || c.State() != StateClosed {
				continue
			}
			c.incrementReconnectCount()
			c.dial(ctx)
		}
	}
}

// handleTarget 处理目标变更
func (c *Client) handleTarget(ctx context.Context, t *model.Target) {
	if t == nil {
		if c.target == nil {
			return
		}
		c.target = nil
		c.logger.Info("订阅目标已清除，关闭连接")
		c.teardown()
		return
	}

	if c.target != nil && *c.target == *t && c.State() != StateClosed {
		return
	}
	c.target = t

	switch c.State() {
	case StateClosed:
		c.stopReconnect()
		c.dial(ctx)
	case StateConnecting:
		// 连接建立后由 handleDial 应用最新目标
		c.logger.Debug("连接尚未建立，目标将在连接成功后应用", zap.String("coin", t.CoinID))
	case StateOpen:
		c.applyTarget()
	}
}

// dial 异步建立连接，结果回送主循环
func (c *Client) dial(ctx context.Context) {
	c.gen++
	gen := c.gen
	c.session = uuid.NewString()
	c.setState(StateConnecting)
	c.logger.Info("连接 CoinGecko WebSocket", zap.String("url", c.cfg.URL), zap.String("session", c.session))

	go func() {
		conn, err := c.dialer.Dial(ctx)
		select {
		case c.dialCh <- dialResult{gen: gen, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

// handleDial 处理连接结果
func (c *Client) handleDial(ctx context.Context, r dialResult) {
	if r.gen != c.gen || c.State() != StateConnecting {
		// 已被拆除或被新的连接取代
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return
	}

	if r.err != nil {
		c.logger.Warn("CoinGecko 连接失败", zap.Error(r.err), zap.String("session", c.session))
		c.setState(StateClosed)
		c.publish()
		c.scheduleReconnect()
		return
	}

	c.conn = r.conn
	c.setState(StateOpen)
	c.backoff.Reset()
	c.incrementConnectCount()
	atomic.StoreInt64(&c.lastMsgTime, timeutil.NowNano())
	c.logger.Info("CoinGecko WebSocket 连接成功", zap.String("session", c.session))

	go c.readLoop(ctx, r.gen, r.conn)

	if c.target != nil {
		c.applyTarget()
	}
	c.publish()
}

// readLoop 读取循环
// 每个连接一个读取 goroutine，读到错误后退出
func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		select {
		case c.frameCh <- inboundMsg{gen: gen, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleInbound 处理一帧入站消息：解码后立即处理完毕再处理下一帧
func (c *Client) handleInbound(msg inboundMsg) {
	if msg.gen != c.gen || c.conn == nil {
		return // 已拆除连接的迟到消息
	}

	if msg.err != nil {
		c.onConnLost(msg.err)
		return
	}

	arrivedNs := timeutil.NowNano()
	atomic.StoreInt64(&c.lastMsgTime, arrivedNs)
	c.metricsMu.Lock()
	c.metrics.FrameCount++
	c.metricsMu.Unlock()

	ev, err := c.parser.Parse(msg.data)
	if err != nil {
		c.incrementParseErrorCount()
		c.maybeLogParseError(err, msg.data)
		return
	}
	c.dispatch(ev, arrivedNs)
}

// dispatch 按事件类型处理
func (c *Client) dispatch(ev model.Event, arrivedNs int64) {
	switch e := ev.(type) {
	case model.Ping:
		if err := c.send(PongCommand()); err != nil {
			c.logger.Warn("回复 pong 失败", zap.Error(err))
			return
		}
		c.metricsMu.Lock()
		c.metrics.PongCount++
		c.metricsMu.Unlock()

	case model.SubscriptionAck:
		if c.registry.OnAck(e.Channel) {
			c.refreshChannelMetrics()
		}

	case model.PriceUpdate, model.TradeEvent, model.CandleUpdate:
		if !Accepts(c.target, c.registry, ev) {
			c.metricsMu.Lock()
			c.metrics.DroppedCount++
			c.metricsMu.Unlock()
			return
		}
		c.latency.Observe(channelFor(ev), arrivedNs, eventTimestamp(ev))
		if c.store.Apply(ev) {
			c.publish()
		}

	case model.Unknown:
		c.metricsMu.Lock()
		c.metrics.UnknownCount++
		c.metricsMu.Unlock()
	}
}

// applyTarget 执行目标切换: 清空状态 -> 取消全部订阅 -> 重新订阅
func (c *Client) applyTarget() {
	t := *c.target
	tr := Plan(t)

	if tr.ResetState {
		c.store.Reset()
		c.latency.Reset()
		c.publish()
	}
	if tr.UnsubscribeAll {
		if err := c.registry.UnsubscribeAll(); err != nil {
			c.logger.Warn("取消订阅失败", zap.Error(err))
		}
	}
	for _, req := range tr.Subscribe {
		if err := c.registry.Subscribe(req.Channel, req.Params); err != nil {
			c.logger.Warn("订阅失败", zap.String("channel", req.Channel), zap.Error(err))
		}
	}
	c.refreshChannelMetrics()

	c.logger.Info("订阅目标已应用",
		zap.String("coin", t.CoinID),
		zap.String("pool", t.PoolAddress()),
		zap.String("interval", string(t.Interval)),
		zap.Strings("channels", c.registry.Channels()),
	)
}

// onConnLost 连接异常关闭：清空订阅与行情状态，按配置决定是否重连
func (c *Client) onConnLost(err error) {
	c.logger.Warn("CoinGecko 连接断开", zap.Error(err), zap.String("session", c.session))
	c.closeConn()
	c.registry.Reset()
	c.store.Reset()
	c.setState(StateClosed)
	c.publish()
	c.scheduleReconnect()
}

// teardown 主动拆除：关闭连接并清空全部本地状态
// 递增 gen 使在途的连接结果与入站消息全部失效
func (c *Client) teardown() {
	c.stopReconnect()
	if c.State() != StateClosed {
		c.setState(StateClosing)
	}
	c.closeConn()
	c.registry.Reset()
	c.store.Reset()
	c.setState(StateClosed)
	c.publish()
}

// closeConn 关闭当前连接
func (c *Client) closeConn() {
	c.gen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// send 序列化并写出一条命令
func (c *Client) send(cmd Command) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("序列化命令失败: %w", err)
	}
	if err := c.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("发送命令失败: %w", err)
	}
	return nil
}

// publish 发布当前状态
func (c *Client) publish() {
	st := c.store.Snapshot()
	ls := model.LiveState{
		Price:       st.Price,
		Trades:      st.Trades,
		Candle:      st.Candle,
		IsConnected: c.State() == StateOpen,
	}

	c.latestMu.Lock()
	c.latest = ls
	c.latestMu.Unlock()

	c.refreshChannelMetrics()

	// 只有主循环写入 updates，先取出旧值再放入新值不会阻塞
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- ls:
	default:
	}

	if c.recorder != nil {
		if err := c.recorder.Record(ls); err != nil {
			c.logger.Debug("记录状态失败", zap.Error(err))
		}
	}
}

// scheduleReconnect 按退避安排重连（仅 reconnect_enabled 且仍有目标时）
func (c *Client) scheduleReconnect() {
	if !c.cfg.ReconnectEnabled || c.target == nil {
		return
	}
	c.stopReconnect()
	delay := c.backoff.Next()
	c.reconnectTimer = time.NewTimer(delay)
	c.reconnectC = c.reconnectTimer.C
	c.logger.Info("CoinGecko 准备重连", zap.Duration("delay", delay))
}

// stopReconnect 取消待执行的重连
func (c *Client) stopReconnect() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
		c.reconnectC = nil
	}
}

// eventTimestamp 返回行情事件的服务端时间戳
func eventTimestamp(ev model.Event) float64 {
	switch e := ev.(type) {
	case model.PriceUpdate:
		return e.Price.Timestamp
	case model.TradeEvent:
		return e.Trade.Timestamp
	case model.CandleUpdate:
		return e.Candle.Timestamp
	}
	return 0
}

func (c *Client) setState(s ConnState) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Client) refreshChannelMetrics() {
	pending, confirmed := c.registry.Counts()
	c.metricsMu.Lock()
	c.metrics.PendingChannels = pending
	c.metrics.ConfirmedChannels = confirmed
	c.metricsMu.Unlock()
}

func (c *Client) incrementConnectCount() {
	c.metricsMu.Lock()
	c.metrics.ConnectCount++
	c.metricsMu.Unlock()
}

func (c *Client) incrementReconnectCount() {
	c.metricsMu.Lock()
	c.metrics.ReconnectCount++
	c.metricsMu.Unlock()
}

func (c *Client) incrementParseErrorCount() {
	c.metricsMu.Lock()
	c.metrics.ParseErrorCount++
	c.metricsMu.Unlock()
}

// maybeLogParseError 采样记录解析错误原始消息，避免刷盘
// 采样策略：每 100 次错误记录 1 条，且同一类日志至少间隔 1 分钟。
func (c *Client) maybeLogParseError(err error, data []byte) {
	count := atomic.AddUint64(&c.parseErrSampleCount, 1)
	if count%100 != 1 {
		return
	}

	nowNs := timeutil.NowNano()
	last := atomic.LoadInt64(&c.lastParseErrLogNs)
	if last > 0 && nowNs-last < int64(time.Minute) {
		return
	}
	atomic.StoreInt64(&c.lastParseErrLogNs, nowNs)

	sample := data
	if len(sample) > 200 {
		sample = sample[:200]
	}
	c.logger.Warn("解析 CoinGecko 消息失败（采样）", zap.Error(err), zap.ByteString("data", sample))
}
