package xkey

import "strings"

// maskMiddle 保留首尾各 4 个字符，中间以 "…" 代替。
// 长度不足 9 的值无法既保留首尾又隐藏中间，整体替换为 "****"。
func maskMiddle(s string) string {
	r := []rune(s)
	if len(r) < 9 {
		return "****"
	}
	return string(r[:4]) + "…" + string(r[len(r)-4:])
}

// maskIP 对 IP 字面量脱敏。非法形态原样返回，脱敏是尽力而为的展示逻辑。
func maskIP(s string) string {
	if parts := strings.Split(s, "."); len(parts) == 4 {
		return parts[0] + "." + parts[1] + ".*.*"
	}
	if strings.Contains(s, ":") {
		groups := strings.Split(s, ":")
		if len(groups) >= 2 {
			return groups[0] + ":" + groups[1] + "::*"
		}
	}
	return s
}
