package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 中继服务监控指标
type Metrics struct {
	// 入站邮件指标
	MessagesReceived  prometheus.Counter
	MessagesRejected  *prometheus.CounterVec // 按拒收原因
	MessagesDropped   prometheus.Counter     // 已接收但未推送给任何订阅（解析失败、无订阅或规则未命中）
	MessagesDelivered prometheus.Counter
	DeliveryFailures  prometheus.Counter
	StrangersBlocked  prometheus.Counter

	// 订阅指标
	SubscriptionsActive  prometheus.Gauge
	SubscriptionsCreated prometheus.Counter
	SubscriptionsExpired prometheus.Counter

	// 信誉指标
	BlacklistIPs     prometheus.Gauge
	BlacklistDomains prometheus.Gauge
	WhitelistDomains prometheus.Gauge

	// SMTP 连接指标
	SMTPConnections prometheus.Gauge

	// 处理耗时
	ProcessingDuration prometheus.Histogram
}

// NewMetrics 创建监控指标（promauto 自动注册到默认 registry）
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rubbishmail_messages_received_total",
			Help: "Total number of inbound messages handled",
		}),

		MessagesRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rubbishmail_messages_rejected_total",
				Help: "Total number of rejected inbound messages",
			},
			[]string{"reason"},
		),

		MessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rubbishmail_messages_dropped_total",
			Help: "Total number of accepted messages not pushed to any subscriber",
		}),

		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rubbishmail_messages_delivered_total",
			Help: "Total number of envelopes pushed to subscribers",
		}),

		DeliveryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rubbishmail_delivery_failures_total",
			Help: "Total number of push channel send failures",
		}),

		StrangersBlocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rubbishmail_strangers_blocked_total",
			Help: "Total number of auto-blocked stranger senders",
		}),

		SubscriptionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rubbishmail_subscriptions_active",
			Help: "Current number of active subscriptions",
		}),

		SubscriptionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rubbishmail_subscriptions_created_total",
			Help: "Total number of subscriptions created",
		}),

		SubscriptionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rubbishmail_subscriptions_expired_total",
			Help: "Total number of subscriptions removed by timeout",
		}),

		BlacklistIPs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rubbishmail_blacklist_ips",
			Help: "Current number of blacklisted IPs",
		}),

		BlacklistDomains: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rubbishmail_blacklist_domains",
			Help: "Current number of blacklisted domains",
		}),

		WhitelistDomains: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rubbishmail_whitelist_domains",
			Help: "Current number of learned whitelist domains",
		}),

		SMTPConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rubbishmail_smtp_connections",
			Help: "Current number of active SMTP sessions",
		}),

		ProcessingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rubbishmail_message_processing_seconds",
			Help:    "Inbound message processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// HTTPHandler 返回 Prometheus 指标的 HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
