package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a named policy posture loaded from YAML. Profiles let an
// operator ship a restrictive or permissive stance as a file instead of
// code.
type Profile struct {
	Name           string     `yaml:"name" json:"name"`
	IngressPosture Posture    `yaml:"ingress_posture" json:"ingress_posture"`
	EgressPosture  Posture    `yaml:"egress_posture" json:"egress_posture"`
	AllowedDomains []string   `yaml:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	EnabledSites   []string   `yaml:"enabled_sites,omitempty" json:"enabled_sites,omitempty"`
	Providers      []Provider `yaml:"providers,omitempty" json:"providers,omitempty"`
}

// LoadProfile loads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse policy profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	if profile.IngressPosture == "" {
		// Unstated posture defaults to restrictive, never permissive.
		profile.IngressPosture = PostureRestrictive
	}
	if profile.EgressPosture == "" {
		profile.EgressPosture = PostureRestrictive
	}
	return &profile, nil
}

// Static converts a profile into a queryable StaticStore.
func (p *Profile) Static() *StaticStore {
	return &StaticStore{
		Providers:    p.Providers,
		EnabledSites: p.EnabledSites,
		Overview: Overview{
			IngressPosture: p.IngressPosture,
			EgressPosture:  p.EgressPosture,
			AllowedDomains: p.AllowedDomains,
		},
	}
}
