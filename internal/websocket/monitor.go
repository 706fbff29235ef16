package websocket

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rubbishmail/relay/internal/auth"
	"rubbishmail/relay/internal/domain"
	"rubbishmail/relay/internal/monitoring"
	"rubbishmail/relay/internal/registry"
)

// heartbeatInterval 应用层心跳间隔，同时用于探测订阅是否已超时。
const heartbeatInterval = 30 * time.Second

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 没有 Origin 的视为同源请求
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}

			return false
		},
	}
}

// MonitorHandler 处理 /ws/monitor 监控连接。
//
// 协议（客户端视角）：
//  1. 建立 WebSocket 连接后发送一条 JSON 监控请求
//     {"api_key": "...", "email": "...", "rules": [...], "timeout": 300}
//  2. 服务端校验通过后回复 monitor_start
//  3. 匹配邮件到达时收到 email_received
//  4. 每 30 秒收到一条 heartbeat
//  5. 订阅超时后收到 error 消息，随后连接关闭
type MonitorHandler struct {
	registry *registry.Registry
	auth     *auth.APIKeyAuth

	allowedDomain    string
	maxSubscriptions int
	defaultTimeout   time.Duration

	log      *zap.Logger
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader
}

// MonitorOptions 监控处理器依赖项。
type MonitorOptions struct {
	Registry         *registry.Registry
	Auth             *auth.APIKeyAuth
	AllowedDomain    string
	MaxSubscriptions int
	DefaultTimeout   time.Duration
	AllowedOrigins   []string
	Logger           *zap.Logger
	Metrics          *monitoring.Metrics
}

// NewMonitorHandler 创建监控处理器。
func NewMonitorHandler(opts MonitorOptions) *MonitorHandler {
	return &MonitorHandler{
		registry:         opts.Registry,
		auth:             opts.Auth,
		allowedDomain:    strings.ToLower(opts.AllowedDomain),
		maxSubscriptions: opts.MaxSubscriptions,
		defaultTimeout:   opts.DefaultTimeout,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		upgrader:         upgraderFactory(opts.AllowedOrigins),
	}
}

// Handle 返回处理监控连接的 gin handler。
func (h *MonitorHandler) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		h.serve(conn, c.ClientIP())
	}
}

// serve 读取监控请求、注册订阅并运行心跳循环，直到连接断开或订阅超时。
func (h *MonitorHandler) serve(conn *websocket.Conn, remoteAddr string) {
	req, ok := h.readRequest(conn, remoteAddr)
	if !ok {
		conn.Close()
		return
	}

	timeout := h.defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	client := newClient(conn, h.log)

	// 准入与注册在注册表锁内一次完成，并发握手不会超过容量上限
	id, ok := h.registry.TryAdd(req.Email, req.Rules, timeout, client, h.maxSubscriptions)
	if !ok {
		h.log.Warn("monitor rejected: capacity exceeded",
			zap.Int("max", h.maxSubscriptions),
			zap.String("remote_addr", remoteAddr))
		h.writeError(conn, "capacity_exceeded", "监控数量已达上限，请稍后重试")
		conn.Close()
		return
	}
	go client.writePump()

	if h.metrics != nil {
		h.metrics.SubscriptionsCreated.Inc()
	}

	h.log.Info("monitor started",
		zap.String("subscription", id),
		zap.String("email", req.Email),
		zap.Int("rules", len(req.Rules)),
		zap.Duration("timeout", timeout),
		zap.String("remote_addr", remoteAddr))

	client.Send(&domain.PushMessage{
		Type: domain.MessageTypeMonitorStart,
		Data: &domain.MonitorStartData{
			Message:   fmt.Sprintf("开始监控邮箱 %s", req.Email),
			Email:     req.Email,
			RuleCount: len(req.Rules),
			Timeout:   int(timeout.Seconds()),
		},
	})

	done := make(chan struct{})
	go client.readPump(done)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			// 客户端断开，移除订阅
			h.registry.Remove(id)
			client.Close()
			h.log.Info("monitor disconnected",
				zap.String("subscription", id),
				zap.String("email", req.Email))
			return

		case <-ticker.C:
			if _, exists := h.registry.Get(id); !exists {
				// 订阅已超时，告知客户端并关闭连接
				client.Send(&domain.PushMessage{
					Type: domain.MessageTypeError,
					Data: &domain.ErrorData{
						Code:    "monitor_timeout",
						Message: "监控已超时",
					},
				})
				client.Close()
				if h.metrics != nil {
					h.metrics.SubscriptionsExpired.Inc()
				}
				h.log.Info("monitor timed out",
					zap.String("subscription", id),
					zap.String("email", req.Email))
				return
			}

			err := client.Send(&domain.PushMessage{
				Type: domain.MessageTypeHeartbeat,
				Data: &domain.HeartbeatData{
					Timestamp: time.Now().Format(time.RFC3339),
				},
			})
			if err != nil {
				h.registry.Remove(id)
				client.Close()
				return
			}
		}
	}
}

// readRequest 读取并校验监控请求，失败时向客户端发送 error 消息。
func (h *MonitorHandler) readRequest(conn *websocket.Conn, remoteAddr string) (*domain.MonitorRequest, bool) {
	conn.SetReadDeadline(time.Now().Add(heartbeatInterval))

	var req domain.MonitorRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.writeError(conn, "invalid_request", "请求格式错误")
		return nil, false
	}
	conn.SetReadDeadline(time.Time{})

	req.Normalize()

	if !h.auth.Verify(req.APIKey) {
		h.log.Warn("monitor rejected: invalid API key",
			zap.String("remote_addr", remoteAddr))
		h.writeError(conn, "unauthorized", "无效的 API 密钥")
		return nil, false
	}

	if err := req.Validate(); err != nil {
		h.writeError(conn, "invalid_request", fmt.Sprintf("请求格式错误: %v", err))
		return nil, false
	}

	if !strings.HasSuffix(req.Email, "@"+h.allowedDomain) {
		h.writeError(conn, "domain_not_allowed",
			fmt.Sprintf("仅支持 @%s 域名的邮箱", h.allowedDomain))
		return nil, false
	}

	return &req, true
}

func (h *MonitorHandler) writeError(conn *websocket.Conn, code, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteJSON(&domain.PushMessage{
		Type: domain.MessageTypeError,
		Data: &domain.ErrorData{Code: code, Message: message},
	})
}
