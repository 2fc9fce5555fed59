package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 一条已建立的传输连接。
// Read返回一个完整帧的原始字节；连接被对端关闭时返回*ClosedError。
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte) error
	// Close 先尽力发送关闭帧再断开底层连接
	Close(code int, reason string) error
}

// Transport 传输层：向指定端点建立连接。
// 初始端点和恢复端点由上层决定（发现步骤属于REST协作方）。
type Transport interface {
	Connect(ctx context.Context, url string) (Conn, error)
}

// WebSocketTransport 基于gorilla/websocket的传输实现
type WebSocketTransport struct {
	dialer    *websocket.Dialer
	userAgent string
}

// NewWebSocketTransport 创建WebSocket传输
func NewWebSocketTransport(handshakeTimeout time.Duration, enableCompression bool, userAgent string) *WebSocketTransport {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	dialer.EnableCompression = enableCompression

	return &WebSocketTransport{
		dialer:    &dialer,
		userAgent: userAgent,
	}
}

// Connect 建立WebSocket连接
func (t *WebSocketTransport) Connect(ctx context.Context, url string) (Conn, error) {
	headers := http.Header{
		"User-Agent": []string{t.userAgent},
	}

	conn, resp, err := t.dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	return &wsConn{conn: conn}, nil
}

// wsConn WebSocket连接包装
type wsConn struct {
	conn *websocket.Conn

	// 专用于WebSocket写入同步
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Read 读取一个完整帧
func (c *wsConn) Read() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, &ClosedError{Code: closeErr.Code, Reason: closeErr.Text}
			}
			return nil, err
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return data, nil
		default:
			// 控制帧由gorilla内部处理，其他类型跳过
			continue
		}
	}
}

// Write 写出一个完整帧
func (c *wsConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close 优雅关闭：先发close帧再断开
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}
