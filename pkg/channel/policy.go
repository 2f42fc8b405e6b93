package channel

import (
	"fmt"
	"strings"
)

// Decision is the outcome of evaluating the access policy for one sender.
type Decision int

const (
	// Accept lets the message through to dispatch.
	Accept Decision = iota
	// Reject drops the message before dispatch.
	Reject
	// Delegate defers the decision to the routing collaborator (pairing mode).
	Delegate
)

type policyMode int

const (
	modeOpen policyMode = iota
	modeAllowlist
	modePairing
)

// AccessPolicy is the per-account inbound policy, built once from config:
// open, allowlist, or pairing. The mode never changes after construction.
type AccessPolicy struct {
	mode  policyMode
	allow map[string]struct{}
}

// OpenPolicy accepts every sender.
func OpenPolicy() AccessPolicy {
	return AccessPolicy{mode: modeOpen}
}

// AllowlistPolicy accepts senders on the list, matched case-insensitively.
func AllowlistPolicy(senders []string) AccessPolicy {
	allow := make(map[string]struct{}, len(senders))
	for _, sender := range senders {
		trimmed := strings.ToLower(strings.TrimSpace(sender))
		if trimmed == "" {
			continue
		}
		allow[trimmed] = struct{}{}
	}

	return AccessPolicy{mode: modeAllowlist, allow: allow}
}

// PairingPolicy delegates every decision to the routing collaborator.
func PairingPolicy() AccessPolicy {
	return AccessPolicy{mode: modePairing}
}

// ParsePolicy builds a policy from its config representation.
func ParsePolicy(mode string, allowFrom []string) (AccessPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "open":
		return OpenPolicy(), nil
	case "allowlist":
		return AllowlistPolicy(allowFrom), nil
	case "pairing":
		return PairingPolicy(), nil
	default:
		return AccessPolicy{}, fmt.Errorf("unknown access policy mode %q", mode)
	}
}

// Evaluate decides what to do with a message from senderID.
func (p AccessPolicy) Evaluate(senderID string) Decision {
	switch p.mode {
	case modeAllowlist:
		if _, ok := p.allow[strings.ToLower(strings.TrimSpace(senderID))]; ok {
			return Accept
		}
		return Reject
	case modePairing:
		return Delegate
	default:
		return Accept
	}
}

// Mode reports the policy mode for logs and status output.
func (p AccessPolicy) Mode() string {
	switch p.mode {
	case modeAllowlist:
		return "allowlist"
	case modePairing:
		return "pairing"
	default:
		return "open"
	}
}
