package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	// 保存原始环境变量
	originalEnvs := make(map[string]string)
	envKeys := []string{
		"RUBBISHMAIL_API_KEY",
		"RUBBISHMAIL_API_KEYS",
		"RUBBISHMAIL_SERVER_HOST",
		"RUBBISHMAIL_SERVER_PORT",
		"RUBBISHMAIL_SMTP_BIND_ADDR",
		"RUBBISHMAIL_SMTP_DOMAIN",
		"RUBBISHMAIL_SMTP_ALLOWED_DOMAIN",
		"RUBBISHMAIL_SMTP_MAX_MESSAGE_SIZE_MB",
		"RUBBISHMAIL_MONITOR_MAX_SUBSCRIPTIONS",
		"RUBBISHMAIL_MONITOR_TIMEOUT",
		"RUBBISHMAIL_BLACKLIST_STORAGE",
		"RUBBISHMAIL_BLACKLIST_AUTO_BLOCK",
		"RUBBISHMAIL_LOG_LEVEL",
		"RUBBISHMAIL_LOG_DEVELOPMENT",
	}

	for _, key := range envKeys {
		originalEnvs[key] = os.Getenv(key)
	}

	// 测试后恢复环境变量
	defer func() {
		for key, value := range originalEnvs {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	}()

	clearEnv := func() {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
	}

	t.Run("加载默认配置成功", func(t *testing.T) {
		clearEnv()
		os.Setenv("RUBBISHMAIL_API_KEY", "test-api-key")
		os.Setenv("RUBBISHMAIL_SMTP_ALLOWED_DOMAIN", "allowed.test")

		cfg, err := Load()

		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		// 验证默认值
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8000, cfg.Server.Port)
		assert.Equal(t, ":8025", cfg.SMTP.BindAddr)
		assert.Equal(t, "allowed.test", cfg.SMTP.AllowedDomain)
		assert.Equal(t, "allowed.test", cfg.SMTP.Domain) // 缺省回退为 allowed_domain
		assert.Equal(t, 10*1024*1024, cfg.SMTP.MaxMessageSize)
		assert.Equal(t, 50, cfg.SMTP.MaxConnections)
		assert.Equal(t, 10, cfg.Monitor.MaxSubscriptions)
		assert.Equal(t, 5*time.Minute, cfg.Monitor.Timeout)
		assert.Equal(t, "data/blacklist.json", cfg.Blacklist.StoragePath)
		assert.True(t, cfg.Blacklist.AutoBlock)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
		assert.Equal(t, []string{"test-api-key"}, cfg.APIKeys)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		clearEnv()
		os.Setenv("RUBBISHMAIL_API_KEY", "primary-key")
		os.Setenv("RUBBISHMAIL_API_KEYS", "second-key, third-key, primary-key")
		os.Setenv("RUBBISHMAIL_SERVER_HOST", "127.0.0.1")
		os.Setenv("RUBBISHMAIL_SERVER_PORT", "9090")
		os.Setenv("RUBBISHMAIL_SMTP_BIND_ADDR", ":2525")
		os.Setenv("RUBBISHMAIL_SMTP_DOMAIN", "mx.allowed.test")
		os.Setenv("RUBBISHMAIL_SMTP_ALLOWED_DOMAIN", "Allowed.Test")
		os.Setenv("RUBBISHMAIL_SMTP_MAX_MESSAGE_SIZE_MB", "5")
		os.Setenv("RUBBISHMAIL_MONITOR_MAX_SUBSCRIPTIONS", "100")
		os.Setenv("RUBBISHMAIL_MONITOR_TIMEOUT", "90s")
		os.Setenv("RUBBISHMAIL_BLACKLIST_AUTO_BLOCK", "false")
		os.Setenv("RUBBISHMAIL_LOG_LEVEL", "debug")
		os.Setenv("RUBBISHMAIL_LOG_DEVELOPMENT", "true")

		cfg, err := Load()

		assert.NoError(t, err)
		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, ":2525", cfg.SMTP.BindAddr)
		assert.Equal(t, "mx.allowed.test", cfg.SMTP.Domain)
		assert.Equal(t, "allowed.test", cfg.SMTP.AllowedDomain) // 域名转小写
		assert.Equal(t, 5*1024*1024, cfg.SMTP.MaxMessageSize)
		assert.Equal(t, 100, cfg.Monitor.MaxSubscriptions)
		assert.Equal(t, 90*time.Second, cfg.Monitor.Timeout)
		assert.False(t, cfg.Blacklist.AutoBlock)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.True(t, cfg.Log.Development)

		// 多密钥合并去重，保持顺序
		assert.Equal(t, []string{"primary-key", "second-key", "third-key"}, cfg.APIKeys)
	})

	t.Run("缺少API密钥时报错", func(t *testing.T) {
		clearEnv()
		os.Setenv("RUBBISHMAIL_SMTP_ALLOWED_DOMAIN", "allowed.test")

		cfg, err := Load()
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "API key")
	})

	t.Run("缺少接收域名时报错", func(t *testing.T) {
		clearEnv()
		os.Setenv("RUBBISHMAIL_API_KEY", "test-api-key")

		cfg, err := Load()
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "allowed_domain")
	})

	t.Run("非法超时时长报错", func(t *testing.T) {
		clearEnv()
		os.Setenv("RUBBISHMAIL_API_KEY", "test-api-key")
		os.Setenv("RUBBISHMAIL_SMTP_ALLOWED_DOMAIN", "allowed.test")
		os.Setenv("RUBBISHMAIL_MONITOR_TIMEOUT", "not-a-duration")

		cfg, err := Load()
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})
}
