package research

import "strings"

// Excerpt collapses runs of whitespace and truncates s to at most n runes.
func Excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
