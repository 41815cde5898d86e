// Package registry provides Antigravity quota group definitions.
// Models in the same group share a common quota pool, so one remaining
// percentage describes the whole group.
package registry

import "strings"

// Quota group names, in display order.
const (
	GroupClaude       = "Claude"
	GroupGemini3Pro   = "Gemini 3 Pro"
	GroupGemini3Flash = "Gemini 3 Flash"
)

// quotaGroup matches model labels by lowercase substring.
type quotaGroup struct {
	name     string
	patterns []string
}

// antigravityQuotaGroups lists the specific patterns for each shared pool.
// Claude models and GPT-OSS draw from the same pool.
var antigravityQuotaGroups = []quotaGroup{
	{name: GroupClaude, patterns: []string{"claude", "gpt-oss", "gpt oss"}},
	{name: GroupGemini3Pro, patterns: []string{"gemini 3 pro", "gemini-3-pro"}},
	{name: GroupGemini3Flash, patterns: []string{"gemini 3 flash", "gemini-3-flash"}},
}

// QuotaGroupNames returns the group names in display order.
func QuotaGroupNames() []string {
	names := make([]string, 0, len(antigravityQuotaGroups))
	for _, g := range antigravityQuotaGroups {
		names = append(names, g.name)
	}
	return names
}

// GetAntigravityQuotaGroup returns the quota group for a model label, or ""
// when the label belongs to no group. Specific patterns win; otherwise any
// "gemini" label containing "flash" or "pro" falls into the matching Gemini 3
// group.
func GetAntigravityQuotaGroup(label string) string {
	lower := strings.ToLower(strings.TrimSpace(label))
	if lower == "" {
		return ""
	}

	for _, g := range antigravityQuotaGroups {
		for _, pattern := range g.patterns {
			if strings.Contains(lower, pattern) {
				return g.name
			}
		}
	}

	if strings.Contains(lower, "gemini") {
		switch {
		case strings.Contains(lower, "flash"):
			return GroupGemini3Flash
		case strings.Contains(lower, "pro"):
			return GroupGemini3Pro
		}
	}
	return ""
}
