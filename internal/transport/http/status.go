package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"

	"rubbishmail/relay/internal/config"
	"rubbishmail/relay/internal/registry"
	"rubbishmail/relay/internal/reputation"
)

// ServiceVersion 对外展示的服务版本号
const ServiceVersion = "1.0.0"

// StatusHandler 提供服务状态端点。
type StatusHandler struct {
	registry   *registry.Registry
	reputation *reputation.Store

	smtpCfg     config.SMTPConfig
	maxMonitors int
	startedAt   time.Time
}

// NewStatusHandler 创建状态处理器。
func NewStatusHandler(reg *registry.Registry, rep *reputation.Store, smtpCfg config.SMTPConfig, maxMonitors int) *StatusHandler {
	return &StatusHandler{
		registry:    reg,
		reputation:  rep,
		smtpCfg:     smtpCfg,
		maxMonitors: maxMonitors,
		startedAt:   time.Now(),
	}
}

// GetStatus 返回服务运行状态与当前监控概况。
func (h *StatusHandler) GetStatus(c *gin.Context) {
	stats := h.reputation.GetStats()

	Success(c, gin.H{
		"service":          "rubbish-mail-relay",
		"version":          ServiceVersion,
		"status":           "running",
		"timestamp":        time.Now().Format(time.RFC3339),
		"uptime_seconds":   int(time.Since(h.startedAt).Seconds()),
		"allowed_domain":   h.smtpCfg.AllowedDomain,
		"smtp_addr":        h.smtpCfg.BindAddr,
		"active_monitors":  h.registry.ActiveCount(),
		"max_monitors":     h.maxMonitors,
		"monitored_emails": h.registry.MonitoredMailboxes(),
		"blacklist": gin.H{
			"blocked_ips":       stats.BlockedIPCount,
			"blocked_domains":   stats.BlockedDomainCount,
			"whitelist_domains": stats.WhitelistCount,
		},
	})
}
