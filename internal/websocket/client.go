package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rubbishmail/relay/internal/domain"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 90 * time.Second
	pingInterval   = 54 * time.Second
	sendBufferSize = 64
)

var (
	// ErrClientClosed 连接已关闭
	ErrClientClosed = errors.New("websocket client closed")
	// ErrSendBufferFull 客户端消费过慢，发送缓冲已满
	ErrSendBufferFull = errors.New("websocket send buffer full")
)

// Client 一条 WebSocket 监控连接。
// 作为订阅的推送通道使用，Send 在任何 goroutine 调用都是安全的。
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, log *zap.Logger) *Client {
	return &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		log:  log,
	}
}

// Send 向客户端推送一条消息。
// 连接已关闭或发送缓冲已满时返回错误，调用方据此清理订阅。
func (c *Client) Send(msg *domain.PushMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 关闭发送通道，幂等。writePump 随后发送关闭帧并断开连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump 把发送缓冲写入连接，并周期性发送协议层 ping。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 丢弃客户端上行数据，只用于感知连接断开。
// 连接断开时关闭 done 通知监控循环清理。
func (c *Client) readPump(done chan<- struct{}) {
	defer func() {
		close(done)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error",
					zap.String("clientID", c.ID),
					zap.Error(err))
			}
			return
		}
		// 上行内容忽略，收到任何帧都视为连接存活
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	}
}
