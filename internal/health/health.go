package health

import (
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"rubbishmail/relay/internal/registry"
	"rubbishmail/relay/internal/reputation"
)

// HealthChecker 健康检查器
type HealthChecker struct {
	health     healthcheck.Handler
	reputation *reputation.Store
	registry   *registry.Registry
	logger     *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(rep *reputation.Store, reg *registry.Registry, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health:     healthcheck.NewHandler(),
		reputation: rep,
		registry:   reg,
		logger:     logger,
	}

	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	// 黑名单持久化检查: 上次写盘失败时进入不健康状态
	hc.health.AddReadinessCheck("blacklist-storage", func() error {
		return hc.reputation.Health()
	})

	// goroutine 数量检查，泄漏时报警
	hc.health.AddLivenessCheck("goroutine-count",
		healthcheck.GoroutineCountCheck(500))
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// CheckHealth 执行健康检查并返回各项结果
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.reputation.Health(); err != nil {
		results["blacklist_storage"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["blacklist_storage"] = "OK"
	}

	results["active_monitors"] = fmt.Sprintf("%d", hc.registry.ActiveCount())
	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}
