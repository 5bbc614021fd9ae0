package provider

import (
	"regexp"
	"strings"
)

// blockedByMarker matches the dependency metadata line appended to revision
// bodies: <!-- decree:blockedBy #a [#b ...] -->
var blockedByMarker = regexp.MustCompile(`<!-- decree:blockedBy ((?:#\S+\s*)+)-->`)

// FormatBlockedBy renders the dependency marker for a non-empty ID list.
// An empty list yields no marker.
func FormatBlockedBy(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	refs := make([]string, len(ids))
	for i, id := range ids {
		refs[i] = "#" + id
	}
	return "<!-- decree:blockedBy " + strings.Join(refs, " ") + " -->"
}

// AppendBlockedBy appends the dependency marker to a body on a fresh line.
// The body is returned unchanged when ids is empty.
func AppendBlockedBy(body string, ids []string) string {
	marker := FormatBlockedBy(ids)
	if marker == "" {
		return body
	}
	if body == "" {
		return marker
	}
	return strings.TrimRight(body, "\n") + "\n\n" + marker
}

// ParseBlockedBy extracts the dependency IDs from the first marker in body.
func ParseBlockedBy(body string) []string {
	m := blockedByMarker.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	var ids []string
	for _, ref := range strings.Fields(m[1]) {
		ids = append(ids, strings.TrimPrefix(ref, "#"))
	}
	return ids
}
