// Package policy decides whether a received command may run. The engine is
// pure and stateless: every decision is a function of the immutable rule set
// loaded at startup.
package policy

import (
	"fmt"
	"strings"
)

// DefaultMaxCommandLength bounds command length when the configuration does
// not override it.
const DefaultMaxCommandLength = 4096

// DefaultAllowPrefixes lists the command prefixes permitted out of the box.
var DefaultAllowPrefixes = []string{
	"npm ",
	"pnpm ",
	"yarn ",
	"git status",
	"git log",
	"git diff",
	"echo ",
	"ls",
	"pwd",
	"uptime",
}

// DefaultDenySubstrings lists patterns that reject a command no matter which
// allow prefix it matches.
var DefaultDenySubstrings = []string{
	"rm -rf",
	"sudo ",
	":(){",
	"| sh",
	"| bash",
	" curl ",
	" wget ",
	"dd if=",
	"mkfs",
	"> /dev/",
}

// Reason classifies why a command was denied.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonUnknownSender
	ReasonCommandTooLong
	ReasonDeniedSubstring
	ReasonNoMatchingAllowPrefix
)

// String returns the canonical token embedded in rejection messages.
func (r Reason) String() string {
	switch r {
	case ReasonUnknownSender:
		return "UNKNOWN_SENDER"
	case ReasonCommandTooLong:
		return "COMMAND_TOO_LONG"
	case ReasonDeniedSubstring:
		return "DENIED_SUBSTRING"
	case ReasonNoMatchingAllowPrefix:
		return "NO_MATCHING_ALLOW_PREFIX"
	default:
		return "NONE"
	}
}

// Decision is the outcome of evaluating one command against the rule set.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Detail carries the matched deny substring, the offending length, or the
	// rejected sender, depending on Reason.
	Detail string
}

// Message renders the decision as the human-readable rejection message.
func (d Decision) Message() string {
	if d.Allowed {
		return ""
	}
	if d.Detail == "" {
		return d.Reason.String()
	}
	return fmt.Sprintf("%s: %s", d.Reason, d.Detail)
}

// Policy is the immutable rule set. Sender comparison is case-insensitive;
// command matching is byte-exact and case-sensitive.
type Policy struct {
	allowedSenders   map[string]struct{}
	allowPrefixes    []string
	denySubstrings   []string
	maxCommandLength int
}

// Config carries the raw rule lists from the daemon configuration.
type Config struct {
	AllowedSenders   []string
	AllowPrefixes    []string
	DenySubstrings   []string
	MaxCommandLength int
}

// New builds a Policy, normalizing sender addresses to lowercase and filling
// unset rule lists with the defaults.
func New(cfg Config) *Policy {
	senders := make(map[string]struct{}, len(cfg.AllowedSenders))
	for _, s := range cfg.AllowedSenders {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			senders[s] = struct{}{}
		}
	}

	allowPrefixes := cfg.AllowPrefixes
	if allowPrefixes == nil {
		allowPrefixes = DefaultAllowPrefixes
	}
	denySubstrings := cfg.DenySubstrings
	if denySubstrings == nil {
		denySubstrings = DefaultDenySubstrings
	}
	maxLen := cfg.MaxCommandLength
	if maxLen <= 0 {
		maxLen = DefaultMaxCommandLength
	}

	return &Policy{
		allowedSenders:   senders,
		allowPrefixes:    allowPrefixes,
		denySubstrings:   denySubstrings,
		maxCommandLength: maxLen,
	}
}

// SenderAllowed reports whether the sender alone passes the allowlist. The
// email source uses it at ingest; Decide re-checks it at dispatch.
func (p *Policy) SenderAllowed(sender string) bool {
	_, ok := p.allowedSenders[strings.ToLower(strings.TrimSpace(sender))]
	return ok
}

// Decide evaluates sender and command against the rule set. Checks run in a
// fixed order: sender, length, deny substrings, allow prefixes. A matching
// deny substring rejects the command even when an allow prefix matches.
func (p *Policy) Decide(sender, command string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(sender))
	if _, ok := p.allowedSenders[normalized]; !ok {
		return Decision{Reason: ReasonUnknownSender, Detail: normalized}
	}
	return p.DecideCommand(command)
}

// DecideCommand evaluates the command rules alone, skipping the sender gate.
// Cloud tasks use it: their requester was already authenticated by the
// device key, so there is no sender address to check.
func (p *Policy) DecideCommand(command string) Decision {
	if len(command) > p.maxCommandLength {
		return Decision{
			Reason: ReasonCommandTooLong,
			Detail: fmt.Sprintf("%d bytes exceeds limit of %d", len(command), p.maxCommandLength),
		}
	}

	for _, deny := range p.denySubstrings {
		if strings.Contains(command, deny) {
			return Decision{Reason: ReasonDeniedSubstring, Detail: deny}
		}
	}

	trimmed := strings.TrimSpace(command)
	for _, prefix := range p.allowPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return Decision{Allowed: true}
		}
	}

	return Decision{Reason: ReasonNoMatchingAllowPrefix}
}
