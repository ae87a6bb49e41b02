package sase

import (
	"slices"
	"strings"
	"sync"
)

// UnknownHost is the host recorded and matched when the target host of an
// intercepted request cannot be determined.
const UnknownHost = "unknown"

// Action is the outcome of classifying one intercepted request.
type Action string

// Decision outcomes.
const (
	ActionAllow Action = "ALLOW"
	ActionBlock Action = "BLOCK"
)

// PolicyConfig is the whole-document blocking policy. Replacing it replaces
// both fields at once; there is no merge.
type PolicyConfig struct {
	// BlockedDomains are matched as literal substrings of the request host.
	// Duplicates are allowed and order carries no meaning.
	BlockedDomains []string `json:"blocked_domains"`

	// StatsBlockedToday counts requests classified as blocked since the
	// policy was last replaced.
	StatsBlockedToday uint64 `json:"stats_blocked_today"`
}

// DefaultPolicy returns the policy the process starts with.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{BlockedDomains: []string{"tiktok.com"}}
}

// Clone returns a deep copy of the policy.
func (p PolicyConfig) Clone() PolicyConfig {
	return PolicyConfig{
		BlockedDomains:    slices.Clone(p.BlockedDomains),
		StatsBlockedToday: p.StatsBlockedToday,
	}
}

// Matches reports whether any configured domain is a substring of host.
// Matching is case-sensitive and performs no normalization; an empty domain
// string matches every host.
func Matches(domains []string, host string) bool {
	for _, d := range domains {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}

// PolicyStore holds the current policy and the blocked-request counter.
//
// Classification takes the exclusive lock even when the request is allowed,
// so every classification and every replacement is serialized. The counter
// therefore always reflects the order in which the lock was acquired.
type PolicyStore struct {
	mu     sync.RWMutex
	policy PolicyConfig
}

// NewPolicyStore creates a store holding a copy of initial.
func NewPolicyStore(initial PolicyConfig) *PolicyStore {
	return &PolicyStore{policy: initial.Clone()}
}

// Read returns a consistent snapshot of the policy.
func (s *PolicyStore) Read() PolicyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.Clone()
}

// Replace overwrites the entire policy. The content is not validated.
func (s *PolicyStore) Replace(p PolicyConfig) {
	p = p.Clone()

	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// ClassifyAndCount tests host against the blocklist and, on a match,
// increments the blocked counter. Both steps run under one exclusive
// acquisition of the lock.
func (s *PolicyStore) ClassifyAndCount(host string) Action {
	if host == "" {
		host = UnknownHost
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !Matches(s.policy.BlockedDomains, host) {
		return ActionAllow
	}
	s.policy.StatsBlockedToday++
	return ActionBlock
}

// BlockedCount returns the current value of the blocked counter.
func (s *PolicyStore) BlockedCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.StatsBlockedToday
}
