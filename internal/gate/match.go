package gate

import "strings"

// Matches reports whether a tool name satisfies an allowance pattern.
// Patterns are exact names, the universal "*", or a group prefix "x.*"
// which covers every action under the group, including nested ones.
func Matches(pattern, tool string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(tool, prefix+".")
	}
	return pattern == tool
}

// MatchesAny reports whether any pattern in the set covers the tool.
func MatchesAny(patterns []string, tool string) bool {
	for _, p := range patterns {
		if Matches(p, tool) {
			return true
		}
	}
	return false
}
