package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"rubbishmail/relay/internal/domain"
)

// Match 依次用规则集匹配邮件，返回是否匹配及匹配描述。
//
// 规则之间为 OR 关系：按声明顺序找到第一条匹配的规则即返回其描述。
// 规则内按固定字段顺序（发件人、主题、正文）搜索，字段内按模式声明顺序匹配。
// 无任何匹配时返回 (false, "")。
func Match(rules []domain.Rule, env *domain.Envelope) (bool, string) {
	for i := range rules {
		if matched, desc := matchRule(&rules[i], env); matched {
			return true, desc
		}
	}
	return false, ""
}

// matchRule 匹配单条规则。
func matchRule(rule *domain.Rule, env *domain.Envelope) (bool, string) {
	for _, field := range domain.DefaultSearchFields {
		if !containsField(rule.SearchIn, field) {
			continue
		}
		content := fieldValue(env, field)

		switch rule.Kind {
		case domain.RuleKeyword:
			if pattern, ok := matchKeyword(rule.Patterns, content); ok {
				return true, fmt.Sprintf("关键词 '%s' 匹配于%s", pattern, fieldLabel(field))
			}
		case domain.RuleRegex:
			if pattern, ok := matchRegex(rule.Patterns, content); ok {
				return true, fmt.Sprintf("正则 '%s' 匹配于%s", pattern, fieldLabel(field))
			}
		}
	}
	return false, ""
}

// matchKeyword 关键词匹配：不区分大小写的子串包含。
func matchKeyword(patterns []string, content string) (string, bool) {
	lowered := strings.ToLower(content)
	for _, p := range patterns {
		if strings.Contains(lowered, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

// matchRegex 正则匹配：不区分大小写的搜索（非全匹配）。
// 非法的正则模式视为无法命中，跳过后继续尝试其余模式。
func matchRegex(patterns []string, content string) (string, bool) {
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		if re.MatchString(content) {
			return p, true
		}
	}
	return "", false
}

func containsField(fields []domain.SearchField, field domain.SearchField) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}

func fieldValue(env *domain.Envelope, field domain.SearchField) string {
	switch field {
	case domain.FieldSender:
		return env.Sender
	case domain.FieldSubject:
		return env.Subject
	case domain.FieldBody:
		return env.Body
	}
	return ""
}

// fieldLabel 返回字段的展示名称，仅用于匹配描述。
func fieldLabel(field domain.SearchField) string {
	switch field {
	case domain.FieldSender:
		return "发件人"
	case domain.FieldSubject:
		return "主题"
	case domain.FieldBody:
		return "正文"
	}
	return string(field)
}
