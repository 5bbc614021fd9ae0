package provider

import "regexp"

// closingKeywordPattern matches the provider's closing keywords followed by a
// work item reference, e.g. "Closes #42" or "fixed#7".
var closingKeywordPattern = regexp.MustCompile(`(?i)\b(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?)\s*#(\d+)`)

// MatchClosingKeyword returns the work item ID referenced by the first
// closing keyword in body, or "" when none is present.
func MatchClosingKeyword(body string) string {
	m := closingKeywordPattern.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}
