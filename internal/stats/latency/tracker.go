// Package latency 统计实时推送的新鲜度。
// 每个频道维护两个滚动窗口：相邻两帧的到达间隔，以及到达时间相对服务端事件时间的延迟。
package latency

import (
	"sort"
	"sync"

	"coingecko-live-feed/internal/util/timeutil"
)

// DefaultWindowSize 默认滚动窗口大小
const DefaultWindowSize = 2000

// Stats 单个频道的统计快照（滚动窗口）
// 单位：毫秒；Count 为累计帧数。
type Stats struct {
	// Channel 频道名
	Channel string `json:"channel"`
	// Count 样本总数（累计）
	Count int64 `json:"count"`

	// GapP50Ms 到达间隔 P50（毫秒）
	GapP50Ms float64 `json:"gap_p50_ms"`
	// GapP90Ms 到达间隔 P90（毫秒）
	GapP90Ms float64 `json:"gap_p90_ms"`
	// GapP99Ms 到达间隔 P99（毫秒）
	GapP99Ms float64 `json:"gap_p99_ms"`

	// EventP50Ms 相对事件时间的延迟 P50（毫秒）
	EventP50Ms float64 `json:"event_p50_ms"`
	// EventP90Ms 相对事件时间的延迟 P90（毫秒）
	EventP90Ms float64 `json:"event_p90_ms"`
	// EventP99Ms 相对事件时间的延迟 P99（毫秒）
	EventP99Ms float64 `json:"event_p99_ms"`
}

type rollingWindow struct {
	size  int
	buf   []int64
	pos   int
	count int64
	full  bool
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{size: size, buf: make([]int64, 0, size)}
}

func (w *rollingWindow) add(v int64) {
	w.count++
	if w.size <= 0 {
		return
	}

	if !w.full {
		w.buf = append(w.buf, v)
		if len(w.buf) == w.size {
			w.full = true
			w.pos = 0
		}
		return
	}

	w.buf[w.pos] = v
	w.pos++
	if w.pos >= w.size {
		w.pos = 0
	}
}

// quantiles 返回累计样本数与各分位数（最近邻取整）
func (w *rollingWindow) quantiles(qs ...float64) (count int64, values []int64) {
	count = w.count
	values = make([]int64, len(qs))
	if len(w.buf) == 0 {
		return count, values
	}

	tmp := make([]int64, len(w.buf))
	copy(tmp, w.buf)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })

	n := len(tmp)
	for i, q := range qs {
		switch {
		case q <= 0:
			values[i] = tmp[0]
		case q >= 1:
			values[i] = tmp[n-1]
		default:
			values[i] = tmp[int(float64(n-1)*q)]
		}
	}
	return count, values
}

type channelTracker struct {
	gap   *rollingWindow
	event *rollingWindow
	// lastNs 上一帧到达时间（纳秒）
	lastNs int64
	// frames 累计帧数
	frames int64
}

// Tracker 推送新鲜度追踪器（并发安全）
type Tracker struct {
	windowSize int

	mu       sync.Mutex
	channels map[string]*channelTracker
}

// NewTracker 创建追踪器
// 参数 windowSize: 滚动窗口大小，<=0 时使用默认值
func NewTracker(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Tracker{
		windowSize: windowSize,
		channels:   make(map[string]*channelTracker),
	}
}

// Observe 记录一帧
// 参数 channel: 频道名
// 参数 arrivedNs: 本地到达时间（纳秒）
// 参数 eventTs: 服务端事件时间戳（秒或毫秒），<=0 时不记录事件延迟
func (t *Tracker) Observe(channel string, arrivedNs int64, eventTs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ct, ok := t.channels[channel]
	if !ok {
		ct = &channelTracker{
			gap:   newRollingWindow(t.windowSize),
			event: newRollingWindow(t.windowSize),
		}
		t.channels[channel] = ct
	}

	ct.frames++
	if ct.lastNs > 0 && arrivedNs >= ct.lastNs {
		ct.gap.add(arrivedNs - ct.lastNs)
	}
	ct.lastNs = arrivedNs

	if ms := eventMs(eventTs); ms > 0 {
		ct.event.add(arrivedNs - ms*1_000_000)
	}
}

// Reset 清除所有频道的到达时间基准
// 目标切换后调用，避免把切换耗时计入到达间隔
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ct := range t.channels {
		ct.lastNs = 0
	}
}

// Stats 获取指定频道的统计快照
func (t *Tracker) Stats(channel string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	ct, ok := t.channels[channel]
	if !ok {
		return Stats{Channel: channel}
	}

	_, gapQs := ct.gap.quantiles(0.50, 0.90, 0.99)
	_, eventQs := ct.event.quantiles(0.50, 0.90, 0.99)

	return Stats{
		Channel:    channel,
		Count:      ct.frames,
		GapP50Ms:   float64(gapQs[0]) / 1_000_000.0,
		GapP90Ms:   float64(gapQs[1]) / 1_000_000.0,
		GapP99Ms:   float64(gapQs[2]) / 1_000_000.0,
		EventP50Ms: float64(eventQs[0]) / 1_000_000.0,
		EventP90Ms: float64(eventQs[1]) / 1_000_000.0,
		EventP99Ms: float64(eventQs[2]) / 1_000_000.0,
	}
}

// All 返回所有频道的统计快照（按频道名排序）
func (t *Tracker) All() []Stats {
	t.mu.Lock()
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	t.mu.Unlock()

	sort.Strings(names)
	out := make([]Stats, 0, len(names))
	for _, name := range names {
		out = append(out, t.Stats(name))
	}
	return out
}

// ObserveNow 以当前时间记录一帧
func (t *Tracker) ObserveNow(channel string, eventTs float64) {
	t.Observe(channel, timeutil.NowNano(), eventTs)
}

// eventMs 将服务端时间戳统一为毫秒
// 小于 1e12 视为秒级时间戳
func eventMs(ts float64) int64 {
	if ts <= 0 {
		return 0
	}
	if ts < 1e12 {
		return int64(ts * 1000)
	}
	return int64(ts)
}
