// Package policy exposes the read-only local policy collaborator the
// evaluation pipeline intersects envelopes against. The boundary core
// never mutates policy; it only queries it.
package policy

import "strings"

// Posture is the local stance toward a traffic direction.
type Posture string

const (
	PostureRestrictive Posture = "restrictive"
	PosturePermissive  Posture = "permissive"
)

// Provider is a configured ingress provider (e.g. a mail account).
type Provider struct {
	ID         string `json:"id" yaml:"id"`
	Type       string `json:"type" yaml:"type"`
	Configured bool   `json:"configured" yaml:"configured"`
	Connected  bool   `json:"connected" yaml:"connected"`
}

// Overview is the policy's summary posture and allow-lists.
type Overview struct {
	IngressPosture Posture  `json:"ingress_posture" yaml:"ingress_posture"`
	EgressPosture  Posture  `json:"egress_posture" yaml:"egress_posture"`
	AllowedDomains []string `json:"allowed_domains" yaml:"allowed_domains"`
}

// Store is the read-only query surface of the local policy.
type Store interface {
	GetProviders() []Provider
	GetEnabledSites() []string
	GetPolicyOverview() Overview
}

// StaticStore is a fixed-content Store, used in tests and for policy
// snapshots loaded from a profile file.
type StaticStore struct {
	Providers    []Provider
	EnabledSites []string
	Overview     Overview
}

func (s *StaticStore) GetProviders() []Provider    { return s.Providers }
func (s *StaticStore) GetEnabledSites() []string   { return s.EnabledSites }
func (s *StaticStore) GetPolicyOverview() Overview { return s.Overview }

// DomainAllowed reports whether domain is listed in allowed, either
// exactly or as a subdomain of an allowed entry. Matching is
// case-insensitive.
func DomainAllowed(domain string, allowed []string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == "" {
		return false
	}
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSuffix(entry, "."))
		if entry == "" {
			continue
		}
		if domain == entry || strings.HasSuffix(domain, "."+entry) {
			return true
		}
	}
	return false
}

// TargetDomain extracts the host part from an egress target, which may
// be a bare domain or a URL.
func TargetDomain(target string) string {
	t := strings.TrimSpace(target)
	if i := strings.Index(t, "://"); i >= 0 {
		t = t[i+3:]
	}
	if i := strings.IndexAny(t, "/?#"); i >= 0 {
		t = t[:i]
	}
	if i := strings.Index(t, "@"); i >= 0 {
		t = t[i+1:]
	}
	if i := strings.Index(t, ":"); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(t)
}
