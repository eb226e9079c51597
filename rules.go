package main

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// ScrubRule is the normalization policy applied to a flow.
type ScrubRule struct {
	Name     string
	Fragment FragmentPolicy
	MinTTL   uint8
	MaxMSS   uint16
	NoDF     bool
	RandomID bool
	TCPState bool

	from []netip.Prefix // empty matches any source
	to   []netip.Prefix // empty matches any destination
}

func matchPrefixes(prefixes []netip.Prefix, addr netip.Addr) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Matches reports whether a packet from src to dst falls under the rule.
func (r *ScrubRule) Matches(src, dst netip.Addr) bool {
	return matchPrefixes(r.from, src) && matchPrefixes(r.to, dst)
}

// RuleSet is an ordered list of rules with a fallback.
type RuleSet struct {
	rules    []*ScrubRule
	fallback *ScrubRule
}

// NewRuleSet creates a rule set that only holds the fallback rule.
func NewRuleSet(fallback *ScrubRule) *RuleSet {
	return &RuleSet{fallback: fallback}
}

// Match returns the first rule matching src and dst, or the fallback.
func (rs *RuleSet) Match(src, dst netip.Addr) *ScrubRule {
	for _, r := range rs.rules {
		if r.Matches(src, dst) {
			return r
		}
	}
	return rs.fallback
}

// Len returns the number of rules, not counting the fallback.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// ruleFile is the YAML layout of a rules file:
//
//	rules:
//	  - name: dmz
//	    from: [192.0.2.0/24]
//	    to: [any]
//	    fragment: crop
//	    min-ttl: 64
//	    max-mss: 1440
//	    no-df: true
//	    random-id: true
//	    tcp-state: true
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Name     string   `yaml:"name"`
	From     []string `yaml:"from"`
	To       []string `yaml:"to"`
	Fragment string   `yaml:"fragment"`
	MinTTL   *int     `yaml:"min-ttl"`
	MaxMSS   *int     `yaml:"max-mss"`
	NoDF     *bool    `yaml:"no-df"`
	RandomID *bool    `yaml:"random-id"`
	TCPState *bool    `yaml:"tcp-state"`
}

// LoadRules reads a YAML rules file. Settings a rule leaves out are taken
// from fallback.
func LoadRules(path string, fallback *ScrubRule) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data, fallback)
}

// ParseRules parses the YAML form of a rule set.
func ParseRules(data []byte, fallback *ScrubRule) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	rs := NewRuleSet(fallback)
	for i, e := range f.Rules {
		r, err := e.build(fallback)
		if err != nil {
			name := e.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i+1)
		}
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

func (e ruleEntry) build(fallback *ScrubRule) (*ScrubRule, error) {
	r := *fallback
	r.Name = e.Name
	r.from, r.to = nil, nil

	var err error
	if r.from, err = parsePrefixes(e.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if r.to, err = parsePrefixes(e.To); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if e.Fragment != "" {
		if r.Fragment, err = parseFragmentPolicy(e.Fragment); err != nil {
			return nil, err
		}
	}
	if e.MinTTL != nil {
		if *e.MinTTL < 0 || *e.MinTTL > 255 {
			return nil, fmt.Errorf("min-ttl %d out of range", *e.MinTTL)
		}
		r.MinTTL = uint8(*e.MinTTL)
	}
	if e.MaxMSS != nil {
		if *e.MaxMSS < 0 || *e.MaxMSS > 65535 {
			return nil, fmt.Errorf("max-mss %d out of range", *e.MaxMSS)
		}
		r.MaxMSS = uint16(*e.MaxMSS)
	}
	if e.NoDF != nil {
		r.NoDF = *e.NoDF
	}
	if e.RandomID != nil {
		r.RandomID = *e.RandomID
	}
	if e.TCPState != nil {
		r.TCPState = *e.TCPState
	}
	return &r, nil
}

// parsePrefixes accepts CIDR prefixes, bare addresses and "any".
func parsePrefixes(specs []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if s == "any" {
			return nil, nil
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}
