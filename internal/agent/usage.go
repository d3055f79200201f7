package agent

import (
	"sort"
	"strings"
)

// ToolsUsed returns the names in used sorted lexicographically.
func ToolsUsed(used map[string]struct{}) []string {
	names := make([]string, 0, len(used))
	for name := range used {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FormatUsage renders the per-turn tool summary.
func FormatUsage(tools []string) string {
	if len(tools) == 0 {
		return "No tools used."
	}
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		seen[t] = struct{}{}
	}
	return "Tools used: " + strings.Join(ToolsUsed(seen), ", ")
}
