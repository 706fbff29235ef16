package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rubbishmail/relay/internal/auth"
	"rubbishmail/relay/internal/config"
	"rubbishmail/relay/internal/health"
	"rubbishmail/relay/internal/middleware"
	"rubbishmail/relay/internal/monitoring"
	"rubbishmail/relay/internal/registry"
	"rubbishmail/relay/internal/reputation"
	"rubbishmail/relay/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config     *config.Config
	Registry   *registry.Registry
	Reputation *reputation.Store
	Auth       *auth.APIKeyAuth
	Monitor    *websocket.MonitorHandler
	Health     *health.HealthChecker
	Metrics    *monitoring.Metrics // 可为 nil（测试场景）
	Logger     *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())

	// 管理接口只收 JSON，1MB 足够
	router.Use(middleware.BodySizeLimit(1 * 1024 * 1024))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	statusHandler := NewStatusHandler(
		deps.Registry,
		deps.Reputation,
		deps.Config.SMTP,
		deps.Config.Monitor.MaxSubscriptions,
	)
	blacklistHandler := NewBlacklistHandler(deps.Reputation, deps.Logger)

	// 服务状态
	router.GET("/", statusHandler.GetStatus)

	// 健康检查
	if deps.Health != nil {
		router.GET("/live", gin.WrapH(deps.Health.Handler()))
		router.GET("/ready", gin.WrapH(deps.Health.Handler()))
		router.GET("/health", func(c *gin.Context) {
			Success(c, deps.Health.CheckHealth())
		})
	}

	// Prometheus 指标
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// WebSocket 监控端点（自带 API 密钥校验）
	if deps.Monitor != nil {
		router.GET("/ws/monitor", deps.Monitor.Handle())
	}

	// 黑名单管理接口
	api := router.Group("/api")
	api.Use(deps.Auth.RequireAPIKey())
	{
		api.GET("/blacklist", blacklistHandler.GetStats)
		api.GET("/blacklist/detail", blacklistHandler.GetDetail)
		api.POST("/blacklist/ip", blacklistHandler.BlockIP)
		api.DELETE("/blacklist/ip/:ip", blacklistHandler.UnblockIP)
		api.POST("/blacklist/domain", blacklistHandler.BlockDomain)
		api.DELETE("/blacklist/domain/:domain", blacklistHandler.UnblockDomain)
	}

	return router
}
