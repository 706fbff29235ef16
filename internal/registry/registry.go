package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rubbishmail/relay/internal/domain"
)

// PushChannel 推送通道能力：发送一条结构化消息并报告成功与否。
//
// 通道由其发起连接持有，注册表只保留非拥有引用，
// 不假设通道比订阅存活更久。
type PushChannel interface {
	Send(msg *domain.PushMessage) error
}

// Subscription 一个客户端对某邮箱的实时监控。
type Subscription struct {
	ID        string
	Mailbox   string
	Rules     []domain.Rule
	CreatedAt time.Time
	Timeout   time.Duration

	channel PushChannel
	timer   *time.Timer
}

// Send 通过订阅的推送通道发送消息。
// 必须在不持有注册表锁的情况下调用，send 可能阻塞在网络 I/O 上。
func (s *Subscription) Send(msg *domain.PushMessage) error {
	return s.channel.Send(msg)
}

// Registry 活跃订阅注册表。
//
// 维护 id 索引与邮箱索引两张表，所有变更由单个互斥锁串行化；
// 投递路径只在锁内取快照，实际发送在锁外进行。
type Registry struct {
	log *zap.Logger

	mu        sync.Mutex
	subs      map[string]*Subscription
	byMailbox map[string]map[string]struct{}
}

// New 创建订阅注册表。
func New(log *zap.Logger) *Registry {
	return &Registry{
		log:       log,
		subs:      make(map[string]*Subscription),
		byMailbox: make(map[string]map[string]struct{}),
	}
}

// Add 创建订阅并写入两张索引，返回订阅 ID。
//
// 邮箱地址统一转小写；超时定时器到期时自动调用 Remove。
func (r *Registry) Add(mailbox string, rules []domain.Rule, timeout time.Duration, channel PushChannel) string {
	id, _ := r.TryAdd(mailbox, rules, timeout, channel, 0)
	return id
}

// TryAdd 在容量上限内创建订阅。
//
// 准入检查与插入在同一把锁内完成，并发握手不会让活跃订阅数
// 超过 limit。limit <= 0 表示不限容量。
func (r *Registry) TryAdd(mailbox string, rules []domain.Rule, timeout time.Duration, channel PushChannel, limit int) (string, bool) {
	mailbox = strings.ToLower(strings.TrimSpace(mailbox))
	createdAt := time.Now()

	r.mu.Lock()

	if limit > 0 && len(r.subs) >= limit {
		r.mu.Unlock()
		return "", false
	}

	id := fmt.Sprintf("%s_%d", mailbox, createdAt.UnixNano())
	for _, exists := r.subs[id]; exists; _, exists = r.subs[id] {
		createdAt = createdAt.Add(time.Nanosecond)
		id = fmt.Sprintf("%s_%d", mailbox, createdAt.UnixNano())
	}

	sub := &Subscription{
		ID:        id,
		Mailbox:   mailbox,
		Rules:     rules,
		CreatedAt: createdAt,
		Timeout:   timeout,
		channel:   channel,
	}

	r.subs[id] = sub
	if r.byMailbox[mailbox] == nil {
		r.byMailbox[mailbox] = make(map[string]struct{})
	}
	r.byMailbox[mailbox][id] = struct{}{}

	// 到期自动移除；AfterFunc 在独立 goroutine 中触发，Remove 自行取锁
	sub.timer = time.AfterFunc(timeout, func() {
		if r.Remove(id) {
			r.log.Info("subscription timed out", zap.String("id", id), zap.String("mailbox", mailbox))
		}
	})

	total := len(r.subs)
	r.mu.Unlock()

	r.log.Info("subscription added",
		zap.String("id", id),
		zap.String("mailbox", mailbox),
		zap.Int("rules", len(rules)),
		zap.Duration("timeout", timeout),
		zap.Int("active", total),
	)

	return id, true
}

// Remove 移除订阅并取消其定时器，幂等。
//
// 已移除时返回 false。定时器到期与显式移除并发时，
// 订阅表中的存在性检查（在锁内）保证清理逻辑只执行一次。
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()

	sub, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	sub.timer.Stop()

	if ids, exists := r.byMailbox[sub.Mailbox]; exists {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byMailbox, sub.Mailbox)
		}
	}
	delete(r.subs, id)

	total := len(r.subs)
	r.mu.Unlock()

	r.log.Info("subscription removed", zap.String("id", id), zap.Int("active", total))
	return true
}

// Get 按 ID 解析订阅，已移除时返回 false。
// 投递方对快照中的每个 ID 单独重新解析，容忍"已移除"为无操作。
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// SubscriptionsFor 返回监控该邮箱的订阅 ID 快照（独立拷贝）。
// 快照不随后续变更更新，调用方不得假设其持续有效。
func (r *Registry) SubscriptionsFor(mailbox string) []string {
	mailbox = strings.ToLower(mailbox)

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byMailbox[mailbox]
	if len(ids) == 0 {
		return nil
	}

	snapshot := make([]string, 0, len(ids))
	for id := range ids {
		snapshot = append(snapshot, id)
	}
	sort.Strings(snapshot)
	return snapshot
}

// ActiveCount 当前活跃订阅数。
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// MonitoredMailboxes 当前被监控的邮箱地址列表。
func (r *Registry) MonitoredMailboxes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.byMailbox))
	for mailbox := range r.byMailbox {
		out = append(out, mailbox)
	}
	sort.Strings(out)
	return out
}
