package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coingecko-live-feed/internal/config"
	"coingecko-live-feed/internal/core/model"
)

const waitTimeout = 2 * time.Second

// fakeConn 内存连接
// 测试通过 push 注入服务端消息，通过 expect 读取客户端发出的命令
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	writes  []Command
	written chan Command
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte),
		closed:  make(chan struct{}),
		written: make(chan Command, 256),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, cmd)
	c.mu.Unlock()
	c.written <- cmd
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) allWrites() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Command, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.inbound <- []byte(frame):
	case <-time.After(waitTimeout):
		t.Fatalf("推送消息超时: %s", frame)
	}
}

func (c *fakeConn) expect(t *testing.T, n int) []Command {
	t.Helper()
	out := make([]Command, 0, n)
	for len(out) < n {
		select {
		case cmd := <-c.written:
			out = append(out, cmd)
		case <-time.After(waitTimeout):
			t.Fatalf("等待命令超时: got %d/%d %+v", len(out), n, out)
		}
	}
	return out
}

// fakeDialer 每次 Dial 返回新的 fakeConn
type fakeDialer struct {
	// gate 非 nil 时 Dial 阻塞直到关闭
	gate  chan struct{}
	dials chan *fakeConn

	mu    sync.Mutex
	count int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := newFakeConn()
	d.mu.Lock()
	d.count++
	d.mu.Unlock()
	d.dials <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dials:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("等待建立连接超时")
		return nil
	}
}

// memRecorder 按顺序记录发布的状态
type memRecorder struct {
	mu     sync.Mutex
	states []model.LiveState
}

func (r *memRecorder) Record(s model.LiveState) error {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) all() []model.LiveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.LiveState, len(r.states))
	copy(out, r.states)
	return out
}

func (r *memRecorder) last() (model.LiveState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return model.LiveState{}, false
	}
	return r.states[len(r.states)-1], true
}

func newTestClient(t *testing.T, reconnect bool) (*Client, *fakeDialer, *memRecorder) {
	t.Helper()
	cfg := &config.WSConfig{
		URL:              "wss://stream.example.invalid/v1",
		ReconnectEnabled: reconnect,
		ReconnectBaseMs:  1,
		ReconnectMaxMs:   5,
	}
	c := NewClient(cfg, config.LiveConfig{TradeCap: 7}, zap.NewNop())
	d := newFakeDialer()
	c.dialer = d
	rec := &memRecorder{}
	c.SetRecorder(rec)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, d, rec
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", msg)
}

func isEmpty(s model.LiveState) bool {
	return s.Price == nil && len(s.Trades) == 0 && s.Candle == nil
}

func TestClient_PriceOnlyTarget(t *testing.T) {
	c, d, _ := newTestClient(t, false)

	if err := c.SetTarget(&model.Target{CoinID: "bitcoin"}); err != nil {
		t.Fatalf("SetTarget 失败: %v", err)
	}
	conn := d.next(t)

	cmds := conn.expect(t, 2)
	if cmds[0].Command != cmdSubscribe || cmds[0].Identifier != identifierFor(ChannelPrice) {
		t.Errorf("cmds[0] = %+v", cmds[0])
	}
	if cmds[1].Command != cmdMessage || !strings.Contains(cmds[1].Data, `"bitcoin"`) ||
		!strings.Contains(cmds[1].Data, `"set_tokens"`) {
		t.Errorf("cmds[1] = %+v", cmds[1])
	}
	waitFor(t, "连接可用", c.IsConnected)

	// 无池子时成交帧不影响状态
	conn.push(t, `{"c":"G2","pu":1,"to":1,"vo":1,"ty":"b","t":1,"pa":"eth:0x1"}`)
	conn.push(t, `{"c":"C1","i":"bitcoin","p":65000,"pp":1.5,"m":1,"v":2,"t":3}`)

	waitFor(t, "价格更新", func() bool { return c.Snapshot().Price != nil })
	snap := c.Snapshot()
	if snap.Price.Price != 65000 || snap.Price.Change24hPct != 1.5 {
		t.Errorf("Price = %+v", snap.Price)
	}
	if len(snap.Trades) != 0 {
		t.Errorf("Trades = %+v, want empty", snap.Trades)
	}
	if !snap.IsConnected {
		t.Error("IsConnected 应为 true")
	}
	if m := c.Metrics(); m.DroppedCount != 1 || m.ConnectCount != 1 {
		t.Errorf("Metrics = %+v", m)
	}
	if len(conn.allWrites()) != 2 {
		t.Errorf("不应有额外命令: %+v", conn.allWrites())
	}
}

func TestClient_PingPong(t *testing.T) {
	c, d, _ := newTestClient(t, false)
	_ = c.SetTarget(&model.Target{CoinID: "bitcoin"})
	conn := d.next(t)
	conn.expect(t, 2)

	conn.push(t, `{"type":"ping"}`)
	if cmd := conn.expect(t, 1)[0]; cmd.Type != typePong || cmd.Command != "" {
		t.Fatalf("期望 pong, got %+v", cmd)
	}

	// 价格帧处理完毕说明 ping 已处理完
	conn.push(t, `{"c":"C1","i":"bitcoin","p":1}`)
	waitFor(t, "价格更新", func() bool { return c.Snapshot().Price != nil })

	if err := c.SetTarget(&model.Target{CoinID: "ethereum"}); err != nil {
		t.Fatalf("SetTarget 失败: %v", err)
	}
	conn.expect(t, 3)

	writes := conn.allWrites()
	pongs := 0
	for _, w := range writes {
		if w.Type == typePong {
			pongs++
		}
	}
	if pongs != 1 {
		t.Errorf("pong 次数 = %d, want 1", pongs)
	}
	if writes[2].Type != typePong || writes[3].Command != cmdUnsubscribe {
		t.Errorf("pong 必须先于后续命令: %+v", writes)
	}
	if c.Metrics().PongCount != 1 {
		t.Errorf("PongCount = %d", c.Metrics().PongCount)
	}
}

func TestClient_PoolSwitch(t *testing.T) {
	c, d, rec := newTestClient(t, false)

	_ = c.SetTarget(&model.Target{CoinID: "weth", PoolID: "eth_0xaaa", Interval: model.Interval1s})
	conn := d.next(t)
	initial := conn.expect(t, 6)
	for i, ch := range []string{ChannelPrice, ChannelTrade, ChannelCandle} {
		if initial[2*i].Command != cmdSubscribe || initial[2*i].Identifier != identifierFor(ch) {
			t.Errorf("initial[%d] = %+v", 2*i, initial[2*i])
		}
		if initial[2*i+1].Command != cmdMessage {
			t.Errorf("initial[%d] = %+v", 2*i+1, initial[2*i+1])
		}
	}
	if !strings.Contains(initial[3].Data, `"eth:0xaaa"`) || !strings.Contains(initial[5].Data, `"interval":"1s"`) {
		t.Errorf("池子参数错误: %+v", initial)
	}

	conn.push(t, `{"c":"C1","i":"weth","p":3000}`)
	conn.push(t, `{"c":"G2","pu":3000,"to":1,"vo":3000,"ty":"b","t":10,"pa":"eth:0xaaa"}`)
	conn.push(t, `{"ch":"G3","t":10,"o":1,"h":2,"l":1,"c":2,"i":"1s","pa":"eth:0xaaa"}`)
	waitFor(t, "三个状态切片均已更新", func() bool {
		s, ok := rec.last()
		return ok && s.Price != nil && len(s.Trades) == 1 && s.Candle != nil
	})
	mark := len(rec.all())

	if err := c.SetTarget(&model.Target{CoinID: "weth", PoolID: "eth_0xbbb", Interval: model.Interval1s}); err != nil {
		t.Fatalf("SetTarget 失败: %v", err)
	}
	cmds := conn.expect(t, 9)

	for i, ch := range []string{ChannelPrice, ChannelTrade, ChannelCandle} {
		if cmds[i].Command != cmdUnsubscribe || cmds[i].Identifier != identifierFor(ch) {
			t.Errorf("cmds[%d] = %+v, want unsubscribe %s", i, cmds[i], ch)
		}
	}
	for i := 3; i < 9; i += 2 {
		if cmds[i].Command != cmdSubscribe || cmds[i+1].Command != cmdMessage {
			t.Errorf("cmds[%d:%d] = %+v", i, i+2, cmds[i:i+2])
		}
	}
	if !strings.Contains(cmds[6].Data, `"eth:0xbbb"`) || !strings.Contains(cmds[8].Data, `"eth:0xbbb"`) {
		t.Errorf("新池子参数错误: %+v", cmds)
	}

	// 取消订阅前先发布空状态
	states := rec.all()
	if len(states) <= mark || !isEmpty(states[mark]) || !states[mark].IsConnected {
		t.Errorf("切换后第一个状态应为空: %+v", states[mark:])
	}

	// 旧池子的迟到成交被丢弃
	conn.push(t, `{"c":"G2","pu":1,"to":1,"vo":1,"ty":"s","t":11,"pa":"eth:0xaaa"}`)
	conn.push(t, `{"c":"G2","pu":2,"to":1,"vo":2,"ty":"b","t":12,"pa":"eth:0xbbb"}`)
	waitFor(t, "新池子成交", func() bool { return len(c.Snapshot().Trades) == 1 })

	snap := c.Snapshot()
	if snap.Trades[0].Price != 2 || snap.Trades[0].Side != model.SideBuy {
		t.Errorf("Trades = %+v", snap.Trades)
	}
	if snap.Price != nil || snap.Candle != nil {
		t.Errorf("切换后价格与 K 线应为空: %+v", snap)
	}
	if d.dialCount() != 1 {
		t.Errorf("目标切换不应重建连接, dials = %d", d.dialCount())
	}
}

func TestClient_IntervalSwitch(t *testing.T) {
	c, d, _ := newTestClient(t, false)

	_ = c.SetTarget(&model.Target{CoinID: "weth", PoolID: "eth_0xaaa", Interval: model.Interval1s})
	conn := d.next(t)
	conn.expect(t, 6)

	// 相同目标不触发任何命令
	_ = c.SetTarget(&model.Target{CoinID: "weth", PoolID: "eth_0xaaa", Interval: model.Interval1s})
	_ = c.SetTarget(&model.Target{CoinID: "weth", PoolID: "eth_0xaaa", Interval: model.Interval1m})
	cmds := conn.expect(t, 9)
	if cmds[0].Command != cmdUnsubscribe {
		t.Errorf("相同目标不应产生命令: %+v", cmds[0])
	}
	if !strings.Contains(cmds[8].Data, `"interval":"1m"`) {
		t.Errorf("K 线周期未更新: %+v", cmds[8])
	}
}

func TestClient_TargetBeforeOpen(t *testing.T) {
	cfg := &config.WSConfig{URL: "wss://stream.example.invalid/v1"}
	c := NewClient(cfg, config.LiveConfig{TradeCap: 7}, nil)
	d := newFakeDialer()
	d.gate = make(chan struct{})
	c.dialer = d
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	defer c.Close()

	_ = c.SetTarget(&model.Target{CoinID: "weth", PoolID: "eth_0xaaa"})
	waitFor(t, "正在连接", func() bool { return c.State() == StateConnecting })
	_ = c.SetTarget(&model.Target{CoinID: "bitcoin"})
	close(d.gate)

	conn := d.next(t)
	cmds := conn.expect(t, 2)
	if cmds[0].Identifier != identifierFor(ChannelPrice) || !strings.Contains(cmds[1].Data, `"bitcoin"`) {
		t.Errorf("连接后应只应用最新目标: %+v", cmds)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(conn.allWrites()); n != 2 {
		t.Errorf("writes = %d, want 2: %+v", n, conn.allWrites())
	}
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
}

func TestClient_ClearTargetTearsDown(t *testing.T) {
	c, d, _ := newTestClient(t, false)
	_ = c.SetTarget(&model.Target{CoinID: "bitcoin"})
	conn := d.next(t)
	conn.expect(t, 2)
	conn.push(t, `{"c":"C1","i":"bitcoin","p":1}`)
	waitFor(t, "价格更新", func() bool { return c.Snapshot().Price != nil })

	if err := c.SetTarget(nil); err != nil {
		t.Fatalf("SetTarget(nil) 失败: %v", err)
	}
	waitFor(t, "连接关闭", func() bool { return conn.isClosed() && c.State() == StateClosed })

	snap := c.Snapshot()
	if !isEmpty(snap) || snap.IsConnected {
		t.Errorf("拆除后状态应为空且未连接: %+v", snap)
	}

	// 再次设置目标会重新建立连接
	_ = c.SetTarget(&model.Target{CoinID: "ethereum"})
	conn2 := d.next(t)
	cmds := conn2.expect(t, 2)
	if cmds[0].Command != cmdSubscribe {
		t.Errorf("新连接上不应先发送 unsubscribe: %+v", cmds)
	}
}

func TestClient_ConnectionLossWithoutReconnect(t *testing.T) {
	c, d, _ := newTestClient(t, false)
	_ = c.SetTarget(&model.Target{CoinID: "bitcoin"})
	conn := d.next(t)
	conn.expect(t, 2)
	conn.push(t, `{"c":"C1","i":"bitcoin","p":1}`)
	waitFor(t, "价格更新", func() bool { return c.Snapshot().Price != nil })

	_ = conn.Close()
	waitFor(t, "状态清空", func() bool {
		s := c.Snapshot()
		return c.State() == StateClosed && !s.IsConnected && isEmpty(s)
	})

	time.Sleep(50 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Errorf("默认不应自动重连, dials = %d", d.dialCount())
	}
}

func TestClient_ReconnectEnabled(t *testing.T) {
	c, d, _ := newTestClient(t, true)
	_ = c.SetTarget(&model.Target{CoinID: "weth", PoolID: "eth_0xaaa"})
	conn1 := d.next(t)
	conn1.expect(t, 6)

	_ = conn1.Close()
	conn2 := d.next(t)
	cmds := conn2.expect(t, 6)
	if cmds[0].Command != cmdSubscribe || cmds[0].Identifier != identifierFor(ChannelPrice) {
		t.Errorf("重连后应重新订阅: %+v", cmds)
	}

	m := c.Metrics()
	if m.ReconnectCount != 1 || m.ConnectCount != 2 {
		t.Errorf("Metrics = %+v", m)
	}
}

func TestClient_AckAndUnknownFrames(t *testing.T) {
	c, d, _ := newTestClient(t, false)
	_ = c.SetTarget(&model.Target{CoinID: "bitcoin"})
	conn := d.next(t)
	conn.expect(t, 2)

	waitFor(t, "pending=1", func() bool { return c.Metrics().PendingChannels == 1 })

	conn.push(t, `{"type":"confirm_subscription","identifier":"{\"channel\":\"CGSimplePrice\"}"}`)
	conn.push(t, `{"type":"confirm_subscription","identifier":"{\"channel\":\"OnchainTrade\"}"}`)
	conn.push(t, `{"type":"welcome"}`)
	conn.push(t, `not json`)

	waitFor(t, "指标更新", func() bool {
		m := c.Metrics()
		return m.ConfirmedChannels == 1 && m.PendingChannels == 0 &&
			m.UnknownCount == 1 && m.ParseErrorCount == 1
	})
	if m := c.Metrics(); m.FrameCount != 4 {
		t.Errorf("FrameCount = %d, want 4", m.FrameCount)
	}
	if !isEmpty(c.Snapshot()) {
		t.Errorf("控制消息不应改变状态: %+v", c.Snapshot())
	}
}

func TestClient_UpdatesLatestWins(t *testing.T) {
	c, d, rec := newTestClient(t, false)
	_ = c.SetTarget(&model.Target{CoinID: "bitcoin"})
	conn := d.next(t)
	conn.expect(t, 2)

	for _, p := range []string{"1", "2", "3"} {
		conn.push(t, `{"c":"C1","i":"bitcoin","p":`+p+`}`)
	}
	waitFor(t, "最后价格", func() bool {
		s, ok := rec.last()
		return ok && s.Price != nil && s.Price.Price == 3
	})

	select {
	case s := <-c.Updates():
		if s.Price == nil || s.Price.Price != 3 {
			t.Errorf("Updates 应只保留最新状态: %+v", s)
		}
	default:
		t.Fatal("Updates 应有一条状态")
	}
	select {
	case s := <-c.Updates():
		t.Errorf("不应有更多状态: %+v", s)
	default:
	}
}

func TestClient_Lifecycle(t *testing.T) {
	cfg := &config.WSConfig{URL: "wss://stream.example.invalid/v1"}
	c := NewClient(cfg, config.LiveConfig{}, nil)
	d := newFakeDialer()
	c.dialer = d

	if err := c.SetTarget(&model.Target{CoinID: "bitcoin"}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("未启动: err = %v", err)
	}
	if err := c.SetTarget(&model.Target{}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("无效目标: err = %v", err)
	}
	if err := c.SetTarget(&model.Target{CoinID: "x", Interval: "5m"}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("无效周期: err = %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("重复启动: err = %v", err)
	}

	_ = c.SetTarget(&model.Target{CoinID: "bitcoin"})
	conn := d.next(t)
	conn.expect(t, 2)

	if err := c.Close(); err != nil {
		t.Fatalf("Close 失败: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Close 返回后主循环应已退出")
	}
	if !conn.isClosed() || c.State() != StateClosed || c.IsConnected() {
		t.Errorf("Close 后应断开连接: state=%v", c.State())
	}
	if err := c.SetTarget(&model.Target{CoinID: "bitcoin"}); !errors.Is(err, ErrClosed) {
		t.Errorf("关闭后: err = %v", err)
	}
}

func TestClient_WebSocketIntegration(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan Command, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("x_cg_pro_api_key"); got != "test-key" {
			t.Errorf("x_cg_pro_api_key = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade 失败: %v", err)
			return
		}
		defer conn.Close()

		readCmd := func() bool {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return false
			}
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				t.Errorf("命令不是合法 JSON: %s", data)
				return false
			}
			received <- cmd
			return true
		}

		// subscribe + message
		if !readCmd() || !readCmd() {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"confirm_subscription","identifier":"{\"channel\":\"CGSimplePrice\"}"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
		if !readCmd() {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"c":"C1","i":"bitcoin","p":"65000.25","pp":0.5,"m":1.2e12,"v":3e10,"t":1700000000}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := &config.WSConfig{
		URL:                "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:             "test-key",
		HandshakeTimeoutMs: 2000,
		ReadTimeoutMs:      5000,
		WriteTimeoutMs:     2000,
	}
	c := NewClient(cfg, config.LiveConfig{TradeCap: 7}, zap.NewNop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	defer c.Close()

	if err := c.SetTarget(&model.Target{CoinID: "bitcoin"}); err != nil {
		t.Fatalf("SetTarget 失败: %v", err)
	}

	var cmds []Command
	for len(cmds) < 3 {
		select {
		case cmd := <-received:
			cmds = append(cmds, cmd)
		case <-time.After(waitTimeout):
			t.Fatalf("等待命令超时: %+v", cmds)
		}
	}
	if cmds[0].Command != cmdSubscribe || cmds[1].Command != cmdMessage || cmds[2].Type != typePong {
		t.Errorf("命令顺序错误: %+v", cmds)
	}

	waitFor(t, "价格更新", func() bool {
		s := c.Snapshot()
		return s.Price != nil && s.Price.Price == 65000.25 && s.IsConnected
	})
	if m := c.Metrics(); m.ConfirmedChannels != 1 || m.PongCount != 1 {
		t.Errorf("Metrics = %+v", m)
	}
}
