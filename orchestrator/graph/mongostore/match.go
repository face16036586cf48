package mongostore

import "strings"

// containsFold reports whether prompt contains needle, case-insensitively.
func containsFold(prompt, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(prompt), strings.ToLower(needle))
}
