package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP/WebSocket 服务器的监听配置
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8000
}

// SMTPConfig 定义 SMTP 接收服务器的配置
type SMTPConfig struct {
	BindAddr       string // SMTP 服务监听地址，格式 "host:port"，默认 ":8025"
	Domain         string // SMTP 服务器域名，用于 HELO/EHLO 响应
	AllowedDomain  string // 接收的邮箱域名，只路由该域名的收件人
	MaxMessageSize int    // 最大邮件大小（字节）
	MaxConnections int    // 最大并发 SMTP 会话数
	ConnRate       int    // 每秒最大新建连接数
}

// MonitorConfig 定义订阅监控配置
type MonitorConfig struct {
	MaxSubscriptions int           // 最大并发订阅数，超出后拒绝准入
	Timeout          time.Duration // 订阅默认超时时间
}

// BlacklistConfig 定义黑名单配置
type BlacklistConfig struct {
	StoragePath string // 黑名单持久化文件路径
	AutoBlock   bool   // 是否自动拉黑陌生发件人
}

// CORSConfig 定义跨域资源共享配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色控制台输出
	File        string // 日志文件路径，留空只输出到控制台
}

// Config 系统核心配置的根结构体
type Config struct {
	Server    ServerConfig
	SMTP      SMTPConfig
	Monitor   MonitorConfig
	Blacklist BlacklistConfig
	CORS      CORSConfig
	Log       LogConfig
	APIKeys   []string // 有效 API 密钥列表（已去重）
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: RUBBISHMAIL_
// 例如: RUBBISHMAIL_SMTP_ALLOWED_DOMAIN, RUBBISHMAIL_API_KEY
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("rubbishmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("smtp.bind_addr", ":8025")
	viper.SetDefault("smtp.domain", "")
	viper.SetDefault("smtp.allowed_domain", "")
	viper.SetDefault("smtp.max_message_size_mb", 10)
	viper.SetDefault("smtp.max_connections", 50)
	viper.SetDefault("smtp.conn_rate", 10)
	viper.SetDefault("monitor.max_subscriptions", 10)
	viper.SetDefault("monitor.timeout", "5m")
	viper.SetDefault("blacklist.storage", "data/blacklist.json")
	viper.SetDefault("blacklist.auto_block", true)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")

	allowedDomain := strings.ToLower(viper.GetString("smtp.allowed_domain"))
	if allowedDomain == "" {
		return nil, fmt.Errorf("smtp.allowed_domain must not be empty: set RUBBISHMAIL_SMTP_ALLOWED_DOMAIN")
	}

	smtpDomain := viper.GetString("smtp.domain")
	if smtpDomain == "" {
		smtpDomain = allowedDomain
	}

	maxSizeMB := viper.GetInt("smtp.max_message_size_mb")
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}

	timeout, err := time.ParseDuration(viper.GetString("monitor.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid monitor.timeout: %w", err)
	}

	maxSubscriptions := viper.GetInt("monitor.max_subscriptions")
	if maxSubscriptions <= 0 {
		maxSubscriptions = 10
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	apiKeys := loadAPIKeys()
	if len(apiKeys) == 0 {
		return nil, fmt.Errorf("no API key configured: set RUBBISHMAIL_API_KEY")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			BindAddr:       viper.GetString("smtp.bind_addr"),
			Domain:         smtpDomain,
			AllowedDomain:  allowedDomain,
			MaxMessageSize: maxSizeMB * 1024 * 1024,
			MaxConnections: viper.GetInt("smtp.max_connections"),
			ConnRate:       viper.GetInt("smtp.conn_rate"),
		},
		Monitor: MonitorConfig{
			MaxSubscriptions: maxSubscriptions,
			Timeout:          timeout,
		},
		Blacklist: BlacklistConfig{
			StoragePath: viper.GetString("blacklist.storage"),
			AutoBlock:   viper.GetBool("blacklist.auto_block"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		APIKeys: apiKeys,
	}

	return cfg, nil
}

// loadAPIKeys 读取并合并 API 密钥。
// RUBBISHMAIL_API_KEY 为主密钥，RUBBISHMAIL_API_KEYS 可追加逗号分隔的多个密钥。
func loadAPIKeys() []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0, 4)

	add := func(key string) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	add(viper.GetString("api_key"))
	for _, key := range parseList(viper.GetString("api_keys")) {
		add(key)
	}

	return keys
}

// parseList 将逗号分隔的字符串解析为字符串切片，去除空白项
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件，文件不存在时静默失败。
// 已存在的环境变量优先级更高，不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
