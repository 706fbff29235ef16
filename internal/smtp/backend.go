package smtp

import (
	"io"
	"net"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"rubbishmail/relay/internal/config"
	"rubbishmail/relay/internal/relay"
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 【安全说明】
// 这是一个只接收邮件的 SMTP 服务器（Receiving-Only SMTP Server）。
// 特性：
// - ✅ 只为监控中的本域名邮箱投递邮件
// - ✅ 连接数与连接速率双重限流
// - ✅ 黑名单 IP 在会话建立时即被拒绝
// - ❌ 不支持对外发送邮件（无邮件中继功能）
// - ❌ 任何邮件都不落盘，仅在内存中解析后推送
//
// 收件人在 RCPT 阶段全部记录，过滤在 DATA 阶段由 relay.Handler
// 统一完成。发往外部域名的邮件会被静默丢弃而不是中继。
type Backend struct {
	handler *relay.Handler
	limiter *ConnectionLimiter
	log     *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(handler *relay.Handler, limiter *ConnectionLimiter, log *zap.Logger) *Backend {
	return &Backend{
		handler: handler,
		limiter: limiter,
		log:     log,
	}
}

// NewSession 创建新的 SMTP 会话。
// 超出连接上限或连接速率时返回 421 临时错误。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}

	return &session{
		backend:  b,
		clientIP: remoteIP(c),
	}, nil
}

// hardMessageCeiling 传输层硬上限（32MB）。
//
// 策略上限（cfg.MaxMessageSize）必须由 relay.Handler 的大小闸门执行：
// 超限邮件要完整读入并进入处理流程，发送方 IP 才会被自动拉黑。
// 如果把策略上限直接交给 go-smtp 的 MaxMessageBytes，库会在 DATA
// 阶段自行回复 552 并跳过 session.Data，自动拉黑就永远不会触发。
// 传输层只拦截远超策略上限、连读都不值得的极端报文。
const hardMessageCeiling = 32 << 20

// NewServer 根据配置创建 SMTP 服务器。
func NewServer(cfg config.SMTPConfig, backend *Backend) *gosmtp.Server {
	server := gosmtp.NewServer(backend)
	server.Addr = cfg.BindAddr
	server.Domain = cfg.Domain
	server.MaxMessageBytes = transportCeiling(cfg.MaxMessageSize)
	server.MaxRecipients = 50
	server.ReadTimeout = 60 * time.Second
	server.WriteTimeout = 60 * time.Second
	server.AllowInsecureAuth = true
	return server
}

type session struct {
	backend     *Backend
	clientIP    string
	fromAddress string
	recipients  []string
	released    bool
}

// Mail 处理 MAIL 命令。黑名单 IP 在此直接拒绝，不再浪费带宽接收内容。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	if s.backend.handler.IsIPBlocked(s.clientIP) {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "access denied",
		}
	}
	s.fromAddress = from
	return nil
}

// Rcpt 处理 RCPT 命令。
// 只做语法校验并记录地址，域名过滤在 DATA 阶段完成，
// 使得发件人无法通过 RCPT 响应探测哪些邮箱正被监控。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	if !strings.Contains(addr, "@") {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容，调用中继处理器并把处理结果映射为 SMTP 响应码。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	disposition := s.backend.handler.Handle(s.clientIP, s.fromAddress, s.recipients, raw)

	switch disposition {
	case relay.DispositionIPBlocked:
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "access denied",
		}
	case relay.DispositionSenderBlocked:
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "sender address rejected",
		}
	case relay.DispositionTooLarge:
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message size exceeds limit",
		}
	default:
		// Accepted / AcceptedDropped 统一回复 250，
		// 解析失败的邮件静默丢弃以抑制发送方重试。
		return nil
	}
}

// AuthPlain 处理 PLAIN 认证（此处允许匿名）。
func (s *session) AuthPlain(username, password string) error {
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束，释放连接许可。
func (s *session) Logout() error {
	if s.backend.limiter != nil && !s.released {
		s.backend.limiter.Release()
		s.released = true
	}
	return nil
}

// transportCeiling 计算传输层接收上限，始终留出高于策略上限的余量。
func transportCeiling(policyLimit int) int64 {
	ceiling := int64(hardMessageCeiling)
	if limit := int64(policyLimit) * 2; limit > ceiling {
		ceiling = limit
	}
	return ceiling
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

func remoteIP(c *gosmtp.Conn) string {
	if c == nil || c.Conn() == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.Conn().RemoteAddr().String())
	if err != nil {
		return c.Conn().RemoteAddr().String()
	}
	return host
}
