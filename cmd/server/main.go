package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rubbishmail/relay/internal/auth"
	"rubbishmail/relay/internal/config"
	"rubbishmail/relay/internal/health"
	"rubbishmail/relay/internal/logger"
	"rubbishmail/relay/internal/monitoring"
	"rubbishmail/relay/internal/registry"
	"rubbishmail/relay/internal/relay"
	"rubbishmail/relay/internal/reputation"
	"rubbishmail/relay/internal/smtp"
	httptransport "rubbishmail/relay/internal/transport/http"
	"rubbishmail/relay/internal/websocket"
)

// main 启动同时包含 HTTP/WebSocket 与 SMTP 的中继服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting rubbish mail relay",
		zap.String("version", httptransport.ServiceVersion),
		zap.String("allowed_domain", cfg.SMTP.AllowedDomain),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 信誉存储（黑名单/白名单）
	reputationStore := reputation.NewStore(cfg.Blacklist.StoragePath, log)

	// 订阅注册表
	subscriptionRegistry := registry.New(log)

	// 监控指标
	metrics := monitoring.NewMetrics()

	// 健康检查
	healthChecker := health.NewHealthChecker(reputationStore, subscriptionRegistry, log)

	// 入站邮件处理器
	relayHandler := relay.NewHandler(relay.Options{
		Registry:       subscriptionRegistry,
		Reputation:     reputationStore,
		AllowedDomain:  cfg.SMTP.AllowedDomain,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		AutoBlock:      cfg.Blacklist.AutoBlock,
		Logger:         log,
		Metrics:        metrics,
	})

	// API 密钥校验
	apiKeyAuth := auth.NewAPIKeyAuth(cfg.APIKeys)

	// WebSocket 监控端点
	monitorHandler := websocket.NewMonitorHandler(websocket.MonitorOptions{
		Registry:         subscriptionRegistry,
		Auth:             apiKeyAuth,
		AllowedDomain:    cfg.SMTP.AllowedDomain,
		MaxSubscriptions: cfg.Monitor.MaxSubscriptions,
		DefaultTimeout:   cfg.Monitor.Timeout,
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		Logger:           log,
		Metrics:          metrics,
	})

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:     cfg,
		Registry:   subscriptionRegistry,
		Reputation: reputationStore,
		Auth:       apiKeyAuth,
		Monitor:    monitorHandler,
		Health:     healthChecker,
		Metrics:    metrics,
		Logger:     log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SMTP 服务器
	connLimiter := smtp.NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.ConnRate)
	smtpBackend := smtp.NewBackend(relayHandler, connLimiter, log)
	smtpServer := smtp.NewServer(cfg.SMTP, smtpBackend)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 指标采集 goroutine，周期性刷新各项 gauge
	group.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				stats := reputationStore.GetStats()
				metrics.SubscriptionsActive.Set(float64(subscriptionRegistry.ActiveCount()))
				metrics.BlacklistIPs.Set(float64(stats.BlockedIPCount))
				metrics.BlacklistDomains.Set(float64(stats.BlockedDomainCount))
				metrics.WhitelistDomains.Set(float64(stats.WhitelistCount))
				metrics.SMTPConnections.Set(float64(connLimiter.Current()))
			}
		}
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
