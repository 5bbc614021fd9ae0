// Package bashguard validates shell commands before an implementor agent may
// run them. Commands are split into pipeline segments with shell-aware
// quoting, each segment's leading token is checked against an allowlist, and
// the full input is scanned against an ordered blocklist of dangerous
// patterns. The blocklist takes precedence over the allowlist.
package bashguard

import (
	"fmt"
	"strings"
)

// Result is the validator's verdict.
type Result struct {
	Allowed bool
	Reason  string
}

// Validate checks a single shell command string. It is deterministic and
// performs no I/O.
func Validate(command string) Result {
	if strings.TrimSpace(command) == "" {
		return Result{Allowed: true}
	}

	// Blocklist scans the full, unsegmented input with quoted content masked
	// out so pattern words inside string arguments do not trigger.
	masked := maskQuoted(command)
	for _, p := range blockedPatterns {
		if p.re.MatchString(masked) {
			return Result{
				Allowed: false,
				Reason:  fmt.Sprintf("Blocked: matches dangerous pattern '%s'", p.source),
			}
		}
	}

	for _, segment := range splitSegments(command) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		prefix := fields[0]
		if !allowedPrefixes[prefix] {
			return Result{
				Allowed: false,
				Reason:  fmt.Sprintf("'%s' is not in the allowed command list", prefix),
			}
		}
	}

	return Result{Allowed: true}
}

// splitSegments splits a command on the top-level operators |, ||, &&, ; and
// newline, respecting quoting. Matched single quotes are opaque; double quotes
// allow backslash escapes; a backslash escapes the next character outside
// quotes. Unmatched quotes are tolerated: the remainder of the string is
// treated as quoted.
func splitSegments(command string) []string {
	var segments []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}

	inSingle := false
	inDouble := false
	escaped := false

	for i := 0; i < len(command); i++ {
		c := command[i]

		if escaped {
			current.WriteByte(c)
			escaped = false
			continue
		}

		switch {
		case inSingle:
			current.WriteByte(c)
			if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '\\' && i+1 < len(command) && command[i+1] == '"' {
				current.WriteByte(c)
				current.WriteByte(command[i+1])
				i++
				continue
			}
			current.WriteByte(c)
			if c == '"' {
				inDouble = false
			}
		case c == '\\':
			current.WriteByte(c)
			escaped = true
		case c == '\'':
			current.WriteByte(c)
			inSingle = true
		case c == '"':
			current.WriteByte(c)
			inDouble = true
		case c == '\n' || c == ';':
			flush()
		case c == '|':
			if i+1 < len(command) && command[i+1] == '|' {
				i++
			}
			flush()
		case c == '&':
			if i+1 < len(command) && command[i+1] == '&' {
				i++
				flush()
				continue
			}
			current.WriteByte(c)
		default:
			current.WriteByte(c)
		}
	}
	flush()

	return segments
}

// maskQuoted removes the content between matched single or double quotes. An
// unmatched opening quote masks the remainder of the string.
func maskQuoted(command string) string {
	var out strings.Builder
	inSingle := false
	inDouble := false
	escaped := false

	for i := 0; i < len(command); i++ {
		c := command[i]

		if escaped {
			if !inSingle && !inDouble {
				out.WriteByte(c)
			}
			escaped = false
			continue
		}

		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				inDouble = false
			}
		case c == '\\':
			out.WriteByte(c)
			escaped = true
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		default:
			out.WriteByte(c)
		}
	}

	return out.String()
}
