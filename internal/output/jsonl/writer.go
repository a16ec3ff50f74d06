// Package jsonl 实现实时状态快照的异步 JSONL 记录。
// 推送主循环只负责投递，JSON 编码与文件 I/O 在后台 goroutine 完成；缓冲区满时丢弃并计数。
package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"coingecko-live-feed/internal/core/model"
	"coingecko-live-feed/internal/util/timeutil"
)

// 错误定义
var (
	ErrClosed     = errors.New("writer 已关闭")
	ErrBufferFull = errors.New("写入缓冲区已满")
)

type opType int

const (
	opWrite opType = iota
	opFlush
	opClose
)

type op struct {
	typ  opType
	val  any
	done chan error
}

// Writer 异步 JSONL 写入器
type Writer struct {
	// path 输出文件路径
	path string
	// ch 操作通道
	ch chan op

	// written 已写入文件的记录数
	written int64
	// dropped 因缓冲区满或编码失败丢弃的记录数
	dropped int64

	closeOnce sync.Once
	closeErr  error
	closed    int32

	sendMu sync.Mutex

	wg sync.WaitGroup
}

// NewWriter 创建 JSONL 写入器
// 参数 path: 输出文件路径（追加写入）
// 参数 bufferSize: 写入缓冲区大小（channel capacity）
func NewWriter(path string, bufferSize int) (*Writer, error) {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}

	w := &Writer{
		path: path,
		ch:   make(chan op, bufferSize),
	}

	w.wg.Add(1)
	go w.loop(f)

	return w, nil
}

// Path 输出文件路径
func (w *Writer) Path() string {
	return w.path
}

// Write 非阻塞投递一条 JSONL 记录
// 缓冲区满时丢弃并返回 ErrBufferFull
func (w *Writer) Write(v any) error {
	if w == nil {
		return ErrClosed
	}
	if atomic.LoadInt32(&w.closed) == 1 {
		return ErrClosed
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if atomic.LoadInt32(&w.closed) == 1 {
		return ErrClosed
	}
	select {
	case w.ch <- op{typ: opWrite, val: v}:
		return nil
	default:
		atomic.AddInt64(&w.dropped, 1)
		return ErrBufferFull
	}
}

// Flush 等待已投递记录写入文件
func (w *Writer) Flush() error {
	if w == nil {
		return nil
	}
	if atomic.LoadInt32(&w.closed) == 1 {
		return nil
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if atomic.LoadInt32(&w.closed) == 1 {
		return nil
	}
	done := make(chan error, 1)
	w.ch <- op{typ: opFlush, done: done}
	return <-done
}

// Close 关闭写入器（会先 flush）
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		atomic.StoreInt32(&w.closed, 1)
		w.sendMu.Lock()
		defer w.sendMu.Unlock()
		done := make(chan error, 1)
		w.ch <- op{typ: opClose, done: done}
		w.closeErr = <-done
		close(w.ch)
	})
	w.wg.Wait()
	return w.closeErr
}

// Stats 返回已写入与已丢弃的记录数
func (w *Writer) Stats() (written, dropped int64) {
	return atomic.LoadInt64(&w.written), atomic.LoadInt64(&w.dropped)
}

func (w *Writer) loop(f *os.File) {
	defer w.wg.Done()
	defer f.Close()

	bw := bufio.NewWriterSize(f, 64<<10)
	reply := func(err error, done chan error) {
		if done != nil {
			done <- err
		}
	}

	for req := range w.ch {
		switch req.typ {
		case opWrite:
			b, err := json.Marshal(req.val)
			if err != nil {
				atomic.AddInt64(&w.dropped, 1)
				continue
			}
			b = append(b, '\n')
			if _, err := bw.Write(b); err != nil {
				atomic.AddInt64(&w.dropped, 1)
				continue
			}
			atomic.AddInt64(&w.written, 1)
		case opFlush:
			reply(bw.Flush(), req.done)
		case opClose:
			reply(bw.Flush(), req.done)
			return
		}
	}
}

// Snapshot 一条实时状态快照记录
type Snapshot struct {
	// Seq 记录序号（从 1 开始）
	Seq uint64 `json:"seq"`
	// RecvTsMs 本地记录时间（毫秒）
	RecvTsMs int64 `json:"recv_ts_ms"`
	// State 实时状态
	State model.LiveState `json:"state"`
}

// SnapshotRecorder 将实时状态写入 JSONL
type SnapshotRecorder struct {
	w   *Writer
	seq uint64
}

// NewSnapshotRecorder 创建快照记录器
// 参数 w: 底层写入器，由调用方负责关闭
func NewSnapshotRecorder(w *Writer) *SnapshotRecorder {
	return &SnapshotRecorder{w: w}
}

// Record 记录一次状态
func (r *SnapshotRecorder) Record(state model.LiveState) error {
	seq := atomic.AddUint64(&r.seq, 1)
	return r.w.Write(Snapshot{
		Seq:      seq,
		RecvTsMs: timeutil.NowMs(),
		State:    state,
	})
}
