package bashguard

import "regexp"

// allowedPrefixes is the single source of truth for commands an implementor
// agent may run. The first token of every pipeline segment must match.
var allowedPrefixes = map[string]bool{
	// Version control.
	"git": true,

	// Package manager.
	"npm": true,

	// Read-only text utilities.
	"head": true, "tail": true, "grep": true, "rg": true, "awk": true,
	"sed": true, "tr": true, "cut": true, "sort": true, "uniq": true,
	"wc": true, "jq": true, "xargs": true, "diff": true, "tee": true,

	// Shell utilities.
	"echo": true, "printf": true, "ls": true, "pwd": true, "which": true,
	"command": true, "test": true, "true": true, "false": true, "env": true,
	"date": true, "basename": true, "dirname": true, "realpath": true,
	"find": true,

	// Filesystem writes.
	"chmod": true, "mkdir": true, "touch": true, "cp": true, "mv": true,

	// Project scripts.
	"./scripts/check.sh": true,
	"./scripts/test.sh":  true,
}

// blockedPattern pairs a compiled regexp with its source text so the block
// reason can quote the pattern that fired.
type blockedPattern struct {
	re     *regexp.Regexp
	source string
}

func mustPattern(source string) blockedPattern {
	return blockedPattern{re: regexp.MustCompile(source), source: source}
}

// blockedPatterns are scanned, in order, against the full quote-masked input.
// A match overrides the allowlist.
var blockedPatterns = []blockedPattern{
	// Destructive version control.
	mustPattern(`git\s+reset\s+--hard`),
	mustPattern(`git\s+clean\s+-[a-zA-Z]*f`),
	mustPattern(`git\s+checkout\s+\.`),
	mustPattern(`git\s+restore\s+\.`),
	mustPattern(`git\s+branch\s+.*-D\b`),

	// File deletion.
	mustPattern(`\brm\s`),

	// Privilege escalation.
	mustPattern(`\bsudo\b`),

	// Remote code execution.
	mustPattern(`\b(curl|wget)\b.*\|\s*(bash|sh|zsh)\b`),
	mustPattern(`\beval\b`),

	// System modification.
	mustPattern(`\bdd\s+if=`),
	mustPattern(`\bmkfs`),
	mustPattern(`\bfdisk`),
	mustPattern(`chmod\s+-R`),
	mustPattern(`chmod\s+777`),
	mustPattern(`chmod\s+.*\bo\+w`),
	mustPattern(`chmod\s+.*\ba\+w`),
	mustPattern(`\bchown\b`),

	// Process management.
	mustPattern(`\bkill\b`),
	mustPattern(`\bpkill\b`),
	mustPattern(`\bkillall\b`),
}
