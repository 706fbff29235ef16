package httptransport

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rubbishmail/relay/internal/domain"
	"rubbishmail/relay/internal/reputation"
)

// 手动操作的默认拉黑原因
const manualBlockReason = "手动添加"

// BlacklistHandler 黑名单管理接口。
type BlacklistHandler struct {
	reputation *reputation.Store
	log        *zap.Logger
}

// NewBlacklistHandler 创建黑名单处理器。
func NewBlacklistHandler(rep *reputation.Store, log *zap.Logger) *BlacklistHandler {
	return &BlacklistHandler{
		reputation: rep,
		log:        log,
	}
}

// GetStats 返回黑名单统计信息。
func (h *BlacklistHandler) GetStats(c *gin.Context) {
	Success(c, h.reputation.GetStats())
}

// GetDetail 返回包含原因与计数的完整黑名单。
func (h *BlacklistHandler) GetDetail(c *gin.Context) {
	Success(c, h.reputation.GetDetail())
}

type blockIPRequest struct {
	IP     string `json:"ip" binding:"required"`
	Reason string `json:"reason"`
}

// BlockIP 手动拉黑一个 IP。重复添加时累加计数。
func (h *BlacklistHandler) BlockIP(c *gin.Context) {
	var req blockIPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: 缺少 ip 字段")
		return
	}

	ip := strings.TrimSpace(req.IP)
	if net.ParseIP(ip) == nil {
		BadRequest(c, "无效的 IP 地址")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = manualBlockReason
	}

	added := h.reputation.AddIP(ip, reason, true)
	h.log.Info("blacklist IP updated via API",
		zap.String("ip", ip),
		zap.String("reason", reason),
		zap.Bool("new", added))

	if added {
		Created(c, "IP 已加入黑名单", gin.H{"ip": ip})
		return
	}
	SuccessWithMsg(c, "IP 已在黑名单中，计数已更新", nil)
}

// UnblockIP 从黑名单移除一个 IP。
func (h *BlacklistHandler) UnblockIP(c *gin.Context) {
	ip := strings.TrimSpace(c.Param("ip"))

	if !h.reputation.RemoveIP(ip) {
		NotFound(c, "IP 不在黑名单中")
		return
	}

	h.log.Info("blacklist IP removed via API", zap.String("ip", ip))
	SuccessWithMsg(c, "IP 已从黑名单移除", gin.H{"ip": ip})
}

type blockDomainRequest struct {
	Domain string `json:"domain" binding:"required"`
	Reason string `json:"reason"`
}

// BlockDomain 手动拉黑一个发件域名。重复添加时累加计数。
func (h *BlacklistHandler) BlockDomain(c *gin.Context) {
	var req blockDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: 缺少 domain 字段")
		return
	}

	blockedDomain := strings.ToLower(strings.TrimSpace(req.Domain))
	if err := domain.ValidateDomainName(blockedDomain); err != nil {
		BadRequest(c, "无效的域名")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = manualBlockReason
	}

	added := h.reputation.AddDomain(blockedDomain, reason, true)
	h.log.Info("blacklist domain updated via API",
		zap.String("domain", blockedDomain),
		zap.String("reason", reason),
		zap.Bool("new", added))

	if added {
		Created(c, "域名已加入黑名单", gin.H{"domain": blockedDomain})
		return
	}
	SuccessWithMsg(c, "域名已在黑名单中，计数已更新", nil)
}

// UnblockDomain 从黑名单移除一个发件域名。
func (h *BlacklistHandler) UnblockDomain(c *gin.Context) {
	blockedDomain := strings.ToLower(strings.TrimSpace(c.Param("domain")))

	if !h.reputation.RemoveDomain(blockedDomain) {
		NotFound(c, "域名不在黑名单中")
		return
	}

	h.log.Info("blacklist domain removed via API", zap.String("domain", blockedDomain))
	SuccessWithMsg(c, "域名已从黑名单移除", gin.H{"domain": blockedDomain})
}
