package policy_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ccjk-org/ccjk/internal/policy"
)

func newTestPolicy() *policy.Policy {
	return policy.New(policy.Config{
		AllowedSenders: []string{"Alice@Example.COM", "bob@example.com"},
		AllowPrefixes:  []string{"npm ", "git status", "pnpm ", "echo "},
		DenySubstrings: []string{"rm -rf", "sudo ", ":(){", "| sh", " curl ", "dd if=", "mkfs", "> /dev/"},
	})
}

func TestDecide(t *testing.T) {
	t.Parallel()

	p := newTestPolicy()

	tests := []struct {
		name    string
		sender  string
		command string
		allowed bool
		reason  policy.Reason
	}{
		{
			name:    "AllowedCommand",
			sender:  "alice@example.com",
			command: "npm test",
			allowed: true,
		},
		{
			name:    "SenderCaseInsensitive",
			sender:  "ALICE@EXAMPLE.COM",
			command: "git status",
			allowed: true,
		},
		{
			name:    "UnknownSender",
			sender:  "mallory@example.com",
			command: "npm test",
			reason:  policy.ReasonUnknownSender,
		},
		{
			name:    "DeniedSubstring",
			sender:  "alice@example.com",
			command: "rm -rf /",
			reason:  policy.ReasonDeniedSubstring,
		},
		{
			name:    "DenyBeatsAllowPrefix",
			sender:  "alice@example.com",
			command: "npm install && rm -rf node_modules",
			reason:  policy.ReasonDeniedSubstring,
		},
		{
			name:    "NoMatchingPrefix",
			sender:  "alice@example.com",
			command: "cat /etc/passwd",
			reason:  policy.ReasonNoMatchingAllowPrefix,
		},
		{
			name:    "CommandCaseSensitive",
			sender:  "alice@example.com",
			command: "NPM test",
			reason:  policy.ReasonNoMatchingAllowPrefix,
		},
		{
			name:    "PrefixMatchesTrimmedCommand",
			sender:  "alice@example.com",
			command: "  npm test  ",
			allowed: true,
		},
		{
			name:    "PrefixOnlyAtStart",
			sender:  "alice@example.com",
			command: "true && npm test",
			reason:  policy.ReasonNoMatchingAllowPrefix,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := p.Decide(tt.sender, tt.command)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.Equal(t, tt.reason, d.Reason)
			}
		})
	}
}

func TestDecideCommandTooLong(t *testing.T) {
	t.Parallel()

	p := policy.New(policy.Config{
		AllowedSenders:   []string{"alice@example.com"},
		MaxCommandLength: 10,
	})

	d := p.Decide("alice@example.com", strings.Repeat("a", 11))
	assert.False(t, d.Allowed)
	assert.Equal(t, policy.ReasonCommandTooLong, d.Reason)

	// Length check happens before the deny scan.
	d = p.Decide("alice@example.com", strings.Repeat("x", 20)+" rm -rf")
	assert.Equal(t, policy.ReasonCommandTooLong, d.Reason)
}

func TestDecisionMessage(t *testing.T) {
	t.Parallel()

	p := newTestPolicy()

	d := p.Decide("alice@example.com", "rm -rf /tmp/x")
	assert.Equal(t, "DENIED_SUBSTRING: rm -rf", d.Message())

	d = p.Decide("alice@example.com", "whoami")
	assert.Equal(t, "NO_MATCHING_ALLOW_PREFIX", d.Message())

	d = p.Decide("alice@example.com", "npm test")
	assert.Empty(t, d.Message())
}

func TestDefaultsApplied(t *testing.T) {
	t.Parallel()

	p := policy.New(policy.Config{AllowedSenders: []string{"alice@example.com"}})

	d := p.Decide("alice@example.com", "npm run build")
	assert.True(t, d.Allowed)

	d = p.Decide("alice@example.com", "echo hi | sh")
	assert.Equal(t, policy.ReasonDeniedSubstring, d.Reason)
}
