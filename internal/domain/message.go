package domain

import (
	"errors"
	"strings"
	"time"
)

// MessageType WebSocket 下行消息类型。
type MessageType string

const (
	MessageTypeMonitorStart  MessageType = "monitor_start"
	MessageTypeEmailReceived MessageType = "email_received"
	MessageTypeError         MessageType = "error"
	MessageTypeHeartbeat     MessageType = "heartbeat"
)

// PushMessage WebSocket 下行消息统一结构。
type PushMessage struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// EmailPayload 推送给客户端的邮件内容（email_received 消息的 data）。
type EmailPayload struct {
	Sender       string `json:"sender"`
	SenderName   string `json:"sender_name,omitempty"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	HTMLBody     string `json:"html_body,omitempty"`
	ReceivedTime string `json:"received_time"`
	MatchedRule  string `json:"matched_rule"`
}

// NewEmailPayload 由 Envelope 和匹配描述构造推送载荷。
func NewEmailPayload(env *Envelope, matchedRule string) *EmailPayload {
	return &EmailPayload{
		Sender:       env.Sender,
		SenderName:   env.SenderName,
		Subject:      env.Subject,
		Body:         env.Body,
		HTMLBody:     env.HTMLBody,
		ReceivedTime: env.ReceivedAt.Format(time.RFC3339),
		MatchedRule:  matchedRule,
	}
}

// MonitorStartData monitor_start 消息的 data。
type MonitorStartData struct {
	Message   string `json:"message"`
	Email     string `json:"email"`
	RuleCount int    `json:"rules_count"`
	Timeout   int    `json:"timeout"`
}

// ErrorData error 消息的 data。
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatData heartbeat 消息的 data。
type HeartbeatData struct {
	Timestamp string `json:"timestamp"`
}

// ErrRulesEmpty 监控请求必须至少带一条规则
var ErrRulesEmpty = errors.New("rules must contain at least one rule")

// MonitorRequest 客户端建立监控时发送的请求。
//
// Timeout 为可选的订阅超时秒数，缺省时使用服务端配置值。
type MonitorRequest struct {
	APIKey  string `json:"api_key"`
	Email   string `json:"email"`
	Rules   []Rule `json:"rules"`
	Timeout int    `json:"timeout,omitempty"`
}

// Normalize 规范化请求：邮箱转小写并去除空白，规则逐条 Normalize。
func (r *MonitorRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	for i := range r.Rules {
		r.Rules[i].Normalize()
	}
}

// Validate 校验请求结构，调用前应先执行 Normalize。
// 空规则集在此处拒绝，注册表不再重复校验。
func (r *MonitorRequest) Validate() error {
	if err := ValidateEmail(r.Email); err != nil {
		return err
	}
	if len(r.Rules) == 0 {
		return ErrRulesEmpty
	}
	for i := range r.Rules {
		if err := r.Rules[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
