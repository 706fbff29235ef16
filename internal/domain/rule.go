package domain

import (
	"errors"
	"strings"
)

// RuleKind 匹配规则类型。
type RuleKind string

const (
	// RuleKeyword 关键词匹配（不区分大小写的子串包含）
	RuleKeyword RuleKind = "keyword"
	// RuleRegex 正则表达式匹配（不区分大小写的搜索）
	RuleRegex RuleKind = "regex"
)

// SearchField 规则的搜索范围字段。
type SearchField string

const (
	FieldSender  SearchField = "sender"
	FieldSubject SearchField = "subject"
	FieldBody    SearchField = "body"
)

// DefaultSearchFields 默认搜索范围：发件人、主题、正文。
// 字段匹配顺序固定为该声明顺序。
var DefaultSearchFields = []SearchField{FieldSender, FieldSubject, FieldBody}

var (
	ErrRuleKindInvalid    = errors.New("rule kind must be keyword or regex")
	ErrRulePatternsEmpty  = errors.New("rule patterns must contain at least one non-blank entry")
	ErrSearchFieldInvalid = errors.New("search field must be sender, subject or body")
)

// Rule 表示一条邮件匹配规则。
//
// 一条规则内的 patterns 之间为 OR 关系；SearchIn 留空时默认搜索全部三个字段。
type Rule struct {
	Kind     RuleKind      `json:"type"`
	Patterns []string      `json:"patterns"`
	SearchIn []SearchField `json:"search_in,omitempty"`
}

// Normalize 清理规则：去除模式前后空白、丢弃空白模式、补全默认搜索范围。
func (r *Rule) Normalize() {
	patterns := make([]string, 0, len(r.Patterns))
	for _, p := range r.Patterns {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	r.Patterns = patterns

	if len(r.SearchIn) == 0 {
		r.SearchIn = append([]SearchField(nil), DefaultSearchFields...)
	}
}

// Validate 校验规则，调用前应先执行 Normalize。
func (r *Rule) Validate() error {
	if r.Kind != RuleKeyword && r.Kind != RuleRegex {
		return ErrRuleKindInvalid
	}
	if len(r.Patterns) == 0 {
		return ErrRulePatternsEmpty
	}
	for _, f := range r.SearchIn {
		switch f {
		case FieldSender, FieldSubject, FieldBody:
		default:
			return ErrSearchFieldInvalid
		}
	}
	return nil
}
