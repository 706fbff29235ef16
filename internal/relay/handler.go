package relay

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rubbishmail/relay/internal/domain"
	"rubbishmail/relay/internal/mailparser"
	"rubbishmail/relay/internal/matcher"
	"rubbishmail/relay/internal/monitoring"
	"rubbishmail/relay/internal/registry"
	"rubbishmail/relay/internal/reputation"
)

// Disposition 入站邮件的处理结果，由传输层映射为 SMTP 响应码。
type Disposition string

const (
	// DispositionAccepted 正常接收（含匹配投递与静默丢弃非匹配）
	DispositionAccepted Disposition = "accepted"
	// DispositionAcceptedDropped 解析失败，对外仍确认接收以抑制重试
	DispositionAcceptedDropped Disposition = "accepted_dropped"
	// DispositionIPBlocked 客户端 IP 在黑名单中
	DispositionIPBlocked Disposition = "ip_blocked"
	// DispositionSenderBlocked 发件人域名在黑名单中
	DispositionSenderBlocked Disposition = "sender_blocked"
	// DispositionTooLarge 邮件超过大小上限
	DispositionTooLarge Disposition = "too_large"
)

// Handler 入站邮件处理器。
//
// 对每封入站邮件执行：信誉检查 → 大小检查 → 解析 →
// 按收件人路由 → 规则匹配 → 推送 → 信誉学习/惩罚。
type Handler struct {
	registry   *registry.Registry
	reputation *reputation.Store

	allowedDomain  string
	maxMessageSize int
	autoBlock      bool

	log     *zap.Logger
	metrics *monitoring.Metrics // 可为 nil（测试场景）
}

// Options 处理器依赖项。
type Options struct {
	Registry       *registry.Registry
	Reputation     *reputation.Store
	AllowedDomain  string // 接收的邮箱域名，只路由该域名的收件人
	MaxMessageSize int    // 邮件大小上限（字节）
	AutoBlock      bool   // 是否自动拉黑陌生发件人
	Logger         *zap.Logger
	Metrics        *monitoring.Metrics
}

// NewHandler 创建入站邮件处理器。
func NewHandler(opts Options) *Handler {
	return &Handler{
		registry:       opts.Registry,
		reputation:     opts.Reputation,
		allowedDomain:  strings.ToLower(opts.AllowedDomain),
		maxMessageSize: opts.MaxMessageSize,
		autoBlock:      opts.AutoBlock,
		log:            opts.Logger,
		metrics:        opts.Metrics,
	}
}

// IsIPBlocked 判断客户端 IP 是否在黑名单中，
// 供传输层在会话早期拒绝连接使用。
func (h *Handler) IsIPBlocked(clientIP string) bool {
	return h.reputation.IsIPBlocked(clientIP)
}

// Handle 处理一封入站邮件，返回处理结果。
//
// 拒收按顺序短路：IP 黑名单 → 大小 → 发件域名黑名单。
// 过了信誉/大小关卡后对外一律确认成功，不暴露路由内部状态。
func (h *Handler) Handle(clientIP, sender string, recipients []string, raw []byte) Disposition {
	start := time.Now()
	defer func() {
		if h.metrics != nil {
			h.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
		}
	}()
	if h.metrics != nil {
		h.metrics.MessagesReceived.Inc()
	}

	// 1. IP 黑名单
	if h.reputation.IsIPBlocked(clientIP) {
		h.log.Warn("rejected blacklisted IP", zap.String("ip", clientIP))
		return h.reject(DispositionIPBlocked)
	}

	// 2. 大小检查，超限 IP 自动拉黑
	if len(raw) > h.maxMessageSize {
		sizeMB := float64(len(raw)) / 1024 / 1024
		h.log.Warn("rejected oversized message",
			zap.String("ip", clientIP),
			zap.String("sender", sender),
			zap.Float64("size_mb", sizeMB),
		)
		h.reputation.AddIP(clientIP, fmt.Sprintf("发送超大邮件 (%.2fMB)", sizeMB), true)
		return h.reject(DispositionTooLarge)
	}

	// 3. 发件域名黑名单
	if h.reputation.IsSenderBlocked(sender) {
		h.log.Warn("rejected blacklisted sender",
			zap.String("sender", sender),
			zap.String("ip", clientIP),
		)
		return h.reject(DispositionSenderBlocked)
	}

	h.log.Info("message received",
		zap.String("sender", sender),
		zap.Strings("recipients", recipients),
		zap.String("ip", clientIP),
	)

	// 4. 解析失败：静默丢弃但照常确认，避免成为重试探测的预言机
	env, err := mailparser.Parse(raw)
	if err != nil {
		h.log.Warn("message parse failed, dropping", zap.Error(err))
		if h.metrics != nil {
			h.metrics.MessagesDropped.Inc()
		}
		return DispositionAcceptedDropped
	}

	// 5-6. 逐收件人路由
	hasValidRecipient := false
	delivered := 0
	for _, rcpt := range recipients {
		valid, pushed := h.processRecipient(rcpt, env, sender)
		if valid {
			hasValidRecipient = true
		}
		delivered += pushed
	}

	// 7. 全部收件人都无人监控：自动拉黑陌生发件人
	if !hasValidRecipient && h.autoBlock {
		if h.reputation.AutoBlockStranger(clientIP, sender) {
			h.log.Warn("stranger auto-blocked",
				zap.String("ip", clientIP),
				zap.String("sender", sender),
			)
			if h.metrics != nil {
				h.metrics.StrangersBlocked.Inc()
			}
		}
	}

	// 无订阅命中或规则全部未命中时，邮件被接收但未推送给任何人
	if delivered == 0 && h.metrics != nil {
		h.metrics.MessagesDropped.Inc()
	}

	return DispositionAccepted
}

// processRecipient 处理单个收件人。
//
// 第一个返回值表示该收件人是否合法：存在订阅即合法，与规则是否命中
// 无关。外域收件人直接跳过（多收件人邮件常含外部地址，不是错误）。
// 第二个返回值为成功推送的订阅数。
func (h *Handler) processRecipient(rcpt string, env *domain.Envelope, sender string) (bool, int) {
	addr := mailparser.ExtractRecipient(rcpt)

	at := strings.LastIndex(addr, "@")
	if at < 0 {
		h.log.Debug("invalid recipient address", zap.String("recipient", addr))
		return false, 0
	}
	if addr[at+1:] != h.allowedDomain {
		h.log.Debug("foreign recipient domain, skipping",
			zap.String("recipient", addr),
			zap.String("allowed", h.allowedDomain),
		)
		return false, 0
	}

	ids := h.registry.SubscriptionsFor(addr)
	if len(ids) == 0 {
		h.log.Debug("no subscription for recipient", zap.String("recipient", addr))
		return false, 0
	}

	// 送达合法订阅者视为隐式信任信号，学习发件域名
	if at := strings.LastIndex(sender, "@"); at >= 0 && at < len(sender)-1 {
		h.reputation.LearnWhitelistDomain(sender[at+1:])
	}

	pushed := 0
	for _, id := range ids {
		sub, ok := h.registry.Get(id)
		if !ok {
			// 快照拿到后订阅已被移除，按无操作处理
			continue
		}

		matched, description := matcher.Match(sub.Rules, env)
		if !matched {
			h.log.Debug("rules not matched, skipping push", zap.String("id", id))
			continue
		}

		h.log.Info("rule matched",
			zap.String("id", id),
			zap.String("description", description),
		)

		msg := &domain.PushMessage{
			Type: domain.MessageTypeEmailReceived,
			Data: domain.NewEmailPayload(env, description),
		}

		// 推送在注册表锁外进行；失败只隔离到这一个订阅
		if err := sub.Send(msg); err != nil {
			h.log.Error("push failed, removing subscription",
				zap.String("id", id),
				zap.Error(err),
			)
			if h.metrics != nil {
				h.metrics.DeliveryFailures.Inc()
			}
			h.registry.Remove(id)
			continue
		}

		pushed++
		if h.metrics != nil {
			h.metrics.MessagesDelivered.Inc()
		}
	}

	return true, pushed
}

func (h *Handler) reject(d Disposition) Disposition {
	if h.metrics != nil {
		h.metrics.MessagesRejected.WithLabelValues(string(d)).Inc()
	}
	return d
}
