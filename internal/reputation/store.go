package reputation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry 黑名单条目。重复命中时递增 Count，不产生重复条目。
type Entry struct {
	Reason  string    `json:"reason"`
	AddedAt time.Time `json:"added_at"`
	Count   int       `json:"count"`
}

// Store 信誉存储：IP/域名黑名单与自动学习的发件域名白名单。
//
// 所有可变状态由单个互斥锁保护；持久化为单个 JSON 文档，
// 写入失败只记录日志，内存状态在进程生命周期内保持权威。
type Store struct {
	path string
	log  *zap.Logger

	mu             sync.Mutex
	blockedIPs     map[string]*Entry
	blockedDomains map[string]*Entry
	whitelist      map[string]struct{}
	lastErr        error
}

// fileData 持久化文件结构，需与历史数据文件保持兼容。
type fileData struct {
	BlockedIPs     map[string]*Entry `json:"blocked_ips"`
	BlockedDomains map[string]*Entry `json:"blocked_domains"`
	Whitelist      []string          `json:"whitelist_domains"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewStore 创建信誉存储并尽力加载已有数据。
// 文件缺失或损坏时从空状态启动，损坏只记录日志，不致命。
func NewStore(path string, log *zap.Logger) *Store {
	s := &Store{
		path:           path,
		log:            log,
		blockedIPs:     make(map[string]*Entry),
		blockedDomains: make(map[string]*Entry),
		whitelist:      make(map[string]struct{}),
	}
	s.load()
	return s
}

// load 从文件加载黑名单，best-effort。
func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error("failed to read reputation file", zap.String("path", s.path), zap.Error(err))
		}
		return
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.log.Error("reputation file corrupt, starting empty", zap.String("path", s.path), zap.Error(err))
		return
	}

	if data.BlockedIPs != nil {
		s.blockedIPs = data.BlockedIPs
	}
	if data.BlockedDomains != nil {
		s.blockedDomains = data.BlockedDomains
	}
	for _, d := range data.Whitelist {
		s.whitelist[strings.ToLower(d)] = struct{}{}
	}

	s.log.Info("reputation data loaded",
		zap.Int("blocked_ips", len(s.blockedIPs)),
		zap.Int("blocked_domains", len(s.blockedDomains)),
		zap.Int("whitelist_domains", len(s.whitelist)),
	)
}

// save 将当前状态写入文件，调用方需持有锁。
func (s *Store) save() {
	data := fileData{
		BlockedIPs:     s.blockedIPs,
		BlockedDomains: s.blockedDomains,
		Whitelist:      s.whitelistSlice(),
		UpdatedAt:      time.Now(),
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		s.lastErr = err
		s.log.Error("failed to marshal reputation data", zap.Error(err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		s.lastErr = err
		s.log.Error("failed to create reputation directory", zap.Error(err))
		return
	}

	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		s.lastErr = err
		s.log.Error("failed to write reputation file", zap.String("path", s.path), zap.Error(err))
		return
	}

	s.lastErr = nil
}

// whitelistSlice 返回排序后的白名单切片，调用方需持有锁。
func (s *Store) whitelistSlice() []string {
	out := make([]string, 0, len(s.whitelist))
	for d := range s.whitelist {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// IsIPBlocked 检查 IP 是否在黑名单中。
func (s *Store) IsIPBlocked(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blockedIPs[ip]
	return ok
}

// IsDomainBlocked 检查域名是否在黑名单中。
func (s *Store) IsDomainBlocked(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blockedDomains[strings.ToLower(domain)]
	return ok
}

// IsSenderBlocked 检查发件人域名是否在黑名单中。
// 地址不含域名部分时返回 false。
func (s *Store) IsSenderBlocked(sender string) bool {
	domain, ok := senderDomain(sender)
	if !ok {
		return false
	}
	return s.IsDomainBlocked(domain)
}

// AddIP 将 IP 加入黑名单。
//
// 新条目返回 true；已存在时递增命中计数并返回 false。
// persist 为 false 时调用方负责随后触发一次批量持久化。
func (s *Store) AddIP(ip, reason string, persist bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addIPLocked(ip, reason, persist)
}

func (s *Store) addIPLocked(ip, reason string, persist bool) bool {
	if entry, ok := s.blockedIPs[ip]; ok {
		entry.Count++
		if persist {
			s.save()
		}
		return false
	}

	s.blockedIPs[ip] = &Entry{Reason: reason, AddedAt: time.Now(), Count: 1}
	s.log.Warn("IP blacklisted", zap.String("ip", ip), zap.String("reason", reason))

	if persist {
		s.save()
	}
	return true
}

// AddDomain 将域名加入黑名单，语义与 AddIP 一致。域名先转小写。
func (s *Store) AddDomain(domain, reason string, persist bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDomainLocked(domain, reason, persist)
}

func (s *Store) addDomainLocked(domain, reason string, persist bool) bool {
	domain = strings.ToLower(domain)

	if entry, ok := s.blockedDomains[domain]; ok {
		entry.Count++
		if persist {
			s.save()
		}
		return false
	}

	s.blockedDomains[domain] = &Entry{Reason: reason, AddedAt: time.Now(), Count: 1}
	s.log.Warn("domain blacklisted", zap.String("domain", domain), zap.String("reason", reason))

	if persist {
		s.save()
	}
	return true
}

// RemoveIP 从黑名单移除 IP，不存在时返回 false。
func (s *Store) RemoveIP(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blockedIPs[ip]; !ok {
		return false
	}
	delete(s.blockedIPs, ip)
	s.save()
	s.log.Info("IP removed from blacklist", zap.String("ip", ip))
	return true
}

// RemoveDomain 从黑名单移除域名，不存在时返回 false。
func (s *Store) RemoveDomain(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	domain = strings.ToLower(domain)
	if _, ok := s.blockedDomains[domain]; !ok {
		return false
	}
	delete(s.blockedDomains, domain)
	s.save()
	s.log.Info("domain removed from blacklist", zap.String("domain", domain))
	return true
}

// LearnWhitelistDomain 学习白名单域名（幂等）。
// 邮件成功送达合法订阅者时，其发件域名视为隐式信任信号。
func (s *Store) LearnWhitelistDomain(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	domain = strings.ToLower(domain)
	if _, ok := s.whitelist[domain]; ok {
		return
	}
	s.whitelist[domain] = struct{}{}
	s.save()
	s.log.Info("whitelist domain learned", zap.String("domain", domain))
}

// AutoBlockStranger 自动拉黑陌生发件人。
//
// 发件地址无域名或域名已在白名单时不动作返回 false；
// 否则在一次加锁、一次持久化内同时拉黑 IP 与发件域名并返回 true。
func (s *Store) AutoBlockStranger(ip, sender string) bool {
	domain, ok := senderDomain(sender)
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, whitelisted := s.whitelist[domain]; whitelisted {
		return false
	}

	s.addIPLocked(ip, "未授权域名发件: "+domain, false)
	s.addDomainLocked(domain, "未授权域名", false)
	s.save()
	return true
}

// Stats 黑名单统计信息。
type Stats struct {
	BlockedIPCount     int      `json:"blocked_ips_count"`
	BlockedDomainCount int      `json:"blocked_domains_count"`
	WhitelistCount     int      `json:"whitelist_domains_count"`
	BlockedIPs         []string `json:"blocked_ips"`
	BlockedDomains     []string `json:"blocked_domains"`
	WhitelistDomains   []string `json:"whitelist_domains"`
}

// GetStats 返回黑名单统计。
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	ips := make([]string, 0, len(s.blockedIPs))
	for ip := range s.blockedIPs {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	domains := make([]string, 0, len(s.blockedDomains))
	for d := range s.blockedDomains {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	return Stats{
		BlockedIPCount:     len(s.blockedIPs),
		BlockedDomainCount: len(s.blockedDomains),
		WhitelistCount:     len(s.whitelist),
		BlockedIPs:         ips,
		BlockedDomains:     domains,
		WhitelistDomains:   s.whitelistSlice(),
	}
}

// Detail 详细黑名单列表。
type Detail struct {
	BlockedIPs       map[string]Entry `json:"blocked_ips"`
	BlockedDomains   map[string]Entry `json:"blocked_domains"`
	WhitelistDomains []string         `json:"whitelist_domains"`
}

// GetDetail 返回详细黑名单（条目为拷贝，调用方可自由持有）。
func (s *Store) GetDetail() Detail {
	s.mu.Lock()
	defer s.mu.Unlock()

	ips := make(map[string]Entry, len(s.blockedIPs))
	for ip, e := range s.blockedIPs {
		ips[ip] = *e
	}
	domains := make(map[string]Entry, len(s.blockedDomains))
	for d, e := range s.blockedDomains {
		domains[d] = *e
	}

	return Detail{
		BlockedIPs:       ips,
		BlockedDomains:   domains,
		WhitelistDomains: s.whitelistSlice(),
	}
}

// Health 返回最近一次持久化错误，供健康检查使用。
func (s *Store) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// senderDomain 从邮箱地址提取小写域名部分。
func senderDomain(sender string) (string, bool) {
	at := strings.LastIndex(sender, "@")
	if at < 0 || at == len(sender)-1 {
		return "", false
	}
	return strings.ToLower(sender[at+1:]), true
}
