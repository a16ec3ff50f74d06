package coingecko

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coingecko-live-feed/internal/config"
)

// Conn 单条推送连接
// ReadMessage 只在读取 goroutine 中调用；WriteMessage 只在推送主循环中调用
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer 建立推送连接
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// wsDialer 基于 gorilla/websocket 的 Dialer
type wsDialer struct {
	// cfg 推送连接配置
	cfg *config.WSConfig
}

// newWSDialer 创建 gorilla/websocket Dialer
func newWSDialer(cfg *config.WSConfig) *wsDialer {
	return &wsDialer{cfg: cfg}
}

// Dial 建立 WebSocket 连接
// API Key 以 x_cg_pro_api_key 查询参数附加
func (d *wsDialer) Dial(ctx context.Context) (Conn, error) {
	target, err := streamURL(d.cfg.URL, d.cfg.APIKey)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("User-Agent", "coingecko-live-feed/1.0")

	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(d.cfg.HandshakeTimeoutMs) * time.Millisecond,
	}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, fmt.Errorf("连接 CoinGecko WebSocket 失败: %w", err)
	}

	return &wsConn{
		conn:         conn,
		readTimeout:  time.Duration(d.cfg.ReadTimeoutMs) * time.Millisecond,
		writeTimeout: time.Duration(d.cfg.WriteTimeoutMs) * time.Millisecond,
	}, nil
}

// streamURL 拼接带 API Key 的推送地址
func streamURL(raw, apiKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("解析推送地址失败: %w", err)
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("x_cg_pro_api_key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// wsConn gorilla/websocket 连接封装
type wsConn struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// ReadMessage 读取一帧，每次读取前刷新读取超时
func (c *wsConn) ReadMessage() ([]byte, error) {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// WriteMessage 以文本帧写入
func (c *wsConn) WriteMessage(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close 发送关闭帧后关闭底层连接（可重复调用）
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
