package sshexec

import (
	"regexp"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// PolicyDecision is the outcome of evaluating a command against a Policy.
type PolicyDecision string

const (
	PolicyAllow           PolicyDecision = "allow"
	PolicyBlock           PolicyDecision = "block"
	PolicyRequireApproval PolicyDecision = "require_approval"
)

// Policy decides which remote commands ssh-exec may run. Blocked patterns
// are never run; allowed patterns run under an enforced allowlist; anything
// else needs the caller to opt into unsafe execution.
type Policy struct {
	blocked []*regexp.Regexp
	allowed []*regexp.Regexp
	globs   []string
}

var defaultBlocked = []string{
	`^rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+(-[a-zA-Z]*\s+)*/\*?(\s|$)`,
	`^mkfs(\.\w+)?(\s|$)`,
	`^dd\s+.*\bof=/dev/`,
	`^(reboot|shutdown|poweroff|halt)(\s|$)`,
	`^init\s+[06](\s|$)`,
	`^systemctl\s+(reboot|poweroff|halt)(\s|$)`,
	`^wipefs(\s|$)`,
	`^zpool\s+(destroy|labelclear)(\s|$)`,
	`^pvecm\s+delnode(\s|$)`,
	`:\(\)\s*\{`,
	`>\s*/dev/(sd|nvme|vd|hd)`,
}

// defaultAllowed only admits read-only forms; anything that can change the
// host (ip link set, hostname <name>, sort -o) falls through to approval.
var defaultAllowed = []string{
	`^qm\s+(list|status|config|pending|showcmd)(\s|$)`,
	`^qm\s+guest\s+exec-status(\s|$)`,
	`^pct\s+(list|status|config)(\s|$)`,
	`^pvesh\s+get(\s|$)`,
	`^pvesm\s+(status|list)(\s|$)`,
	`^pveversion(\s|$)`,
	`^(df|free|uptime|uname|lsblk|ls)(\s|$)`,
	`^hostname(\s+-[fsiIdA])?$`,
	`^ip(\s+-(4|6|s|d|j|p|o|c|br|brief|details|stats|statistics|json|pretty|oneline|color))*\s+(a|addr|address|l|link|r|route)(\s+(show|list|ls)(\s+[\w.:/@-]+)*)?$`,
	`^cat(\s+/etc/pve(/\.?[\w-][\w.-]*)+)+$`,
	`^(grep|head|tail|wc)(\s|$)`,
	`^sort(\s+-[a-np-zA-Z0-9,.:]+)*$`,
}

// DefaultPolicy returns the built-in policy for Proxmox hosts.
func DefaultPolicy() *Policy {
	return NewPolicy(defaultBlocked, defaultAllowed)
}

// NewPolicy compiles the given patterns. Invalid patterns are ignored.
func NewPolicy(blocked, allowed []string) *Policy {
	return &Policy{
		blocked: compilePatterns(blocked),
		allowed: compilePatterns(allowed),
	}
}

// WithAllowedGlobs returns a copy of p that also allows segments matching
// any of the operator supplied wildcard patterns ("*" any run, "?" an
// optional character, "." exactly one character). Blocked patterns still win.
func (p *Policy) WithAllowedGlobs(globs ...string) *Policy {
	out := &Policy{
		blocked: p.blocked,
		allowed: p.allowed,
		globs:   append([]string(nil), p.globs...),
	}
	for _, g := range globs {
		if g = strings.TrimSpace(g); g != "" {
			out.globs = append(out.globs, g)
		}
	}
	return out
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}

var segmentSeparator = regexp.MustCompile(`\|\||&&|[;|&\n]`)

// Evaluate classifies command. Every pipeline or list segment is checked
// against the blocked patterns; only plain pipelines of allowed segments
// are auto-approved.
func (p *Policy) Evaluate(command string) PolicyDecision {
	command = strings.TrimSpace(command)
	if command == "" {
		return PolicyBlock
	}

	segments := segmentSeparator.Split(command, -1)
	for _, seg := range segments {
		seg = stripSudo(strings.TrimSpace(seg))
		for _, re := range p.blocked {
			if re.MatchString(seg) {
				return PolicyBlock
			}
		}
	}

	if hasShellControl(command) {
		return PolicyRequireApproval
	}

	for _, seg := range strings.Split(command, "|") {
		seg = stripSudo(strings.TrimSpace(seg))
		if seg == "" || !p.matchesAllowed(seg) {
			return PolicyRequireApproval
		}
	}
	return PolicyAllow
}

func (p *Policy) matchesAllowed(segment string) bool {
	for _, re := range p.allowed {
		if re.MatchString(segment) {
			return true
		}
	}
	for _, g := range p.globs {
		if wildcard.Match(g, segment) {
			return true
		}
	}
	return false
}

// IsBlocked reports whether command can never run.
func (p *Policy) IsBlocked(command string) bool {
	return p.Evaluate(command) == PolicyBlock
}

// IsAllowed reports whether command passes the allowlist.
func (p *Policy) IsAllowed(command string) bool {
	return p.Evaluate(command) == PolicyAllow
}

// stripSudo drops a bare "sudo " prefix so the wrapped command is checked.
// sudo with flags is left alone and will not match the allowlist.
func stripSudo(segment string) string {
	rest, ok := strings.CutPrefix(segment, "sudo ")
	if !ok {
		return segment
	}
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "-") {
		return segment
	}
	return rest
}

func hasShellControl(command string) bool {
	if strings.ContainsAny(command, ";&`<>\n") {
		return true
	}
	return strings.Contains(command, "$(")
}
