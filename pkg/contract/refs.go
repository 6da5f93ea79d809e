package contract

import "strings"

// NormalizeRequirementRef 从评估器返回的自由文本引用中提取首个标识符。
// 规则：
//   - 截取首个 ". " 之前的部分，再截取首个空白之前的部分；
//   - 去掉尾部的 '.' 与 ':'；
//   - 支持带点号的 ID："6.12. The policy must..." → "6.12"。
func NormalizeRequirementRef(ref string) RequirementID {
	s := strings.TrimSpace(ref)
	if i := strings.Index(s, ". "); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexFunc(s, isSpace); i >= 0 {
		s = s[:i]
	}
	return RequirementID(strings.TrimRight(s, ".:"))
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
