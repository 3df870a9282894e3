package ratelimit

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Tier is a request quota over a fixed window.
type Tier struct {
	Name     string
	Requests int
	Window   time.Duration
}

// Policy maps subscription tiers to quotas. Unknown or missing tiers resolve to the default.
type Policy struct {
	tiers       map[string]Tier
	defaultTier string
}

// DefaultPolicy returns the built-in tiers with free as the default.
func DefaultPolicy() Policy {
	p, _ := NewPolicy(TierFree,
		Tier{Name: TierFree, Requests: 100, Window: time.Minute},
		Tier{Name: TierPro, Requests: 1000, Window: time.Minute},
		Tier{Name: TierEnterprise, Requests: 10000, Window: time.Minute},
	)
	return p
}

// NewPolicy validates tiers and the default tier name.
func NewPolicy(defaultTier string, tiers ...Tier) (Policy, error) {
	p := Policy{tiers: make(map[string]Tier, len(tiers)), defaultTier: normalizeTier(defaultTier)}
	for _, t := range tiers {
		t.Name = normalizeTier(t.Name)
		if t.Name == "" {
			return Policy{}, errors.New("ratelimit: tier name is required")
		}
		if t.Requests <= 0 {
			return Policy{}, fmt.Errorf("ratelimit: tier %s must allow at least one request", t.Name)
		}
		if t.Window < time.Second {
			return Policy{}, fmt.Errorf("ratelimit: tier %s window must be at least 1s", t.Name)
		}
		p.tiers[t.Name] = t
	}
	if _, ok := p.tiers[p.defaultTier]; !ok {
		return Policy{}, fmt.Errorf("ratelimit: default tier %q is not defined", defaultTier)
	}
	return p, nil
}

// Tier returns the quota for name, falling back to the default tier.
func (p Policy) Tier(name string) Tier {
	if t, ok := p.tiers[normalizeTier(name)]; ok {
		return t
	}
	return p.tiers[p.defaultTier]
}

// Default returns the fallback tier.
func (p Policy) Default() Tier {
	return p.tiers[p.defaultTier]
}

// Names lists the configured tiers.
func (p Policy) Names() []string {
	out := make([]string, 0, len(p.tiers))
	for n := range p.tiers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ParsePolicy reads "free=100/60s,pro=1000/1m" style definitions.
func ParsePolicy(raw, defaultTier string) (Policy, error) {
	var tiers []Tier
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, quota, ok := strings.Cut(item, "=")
		if !ok {
			return Policy{}, fmt.Errorf("ratelimit: tier %q: expected name=requests/window", item)
		}
		reqs, window, ok := strings.Cut(quota, "/")
		if !ok {
			return Policy{}, fmt.Errorf("ratelimit: tier %q: expected requests/window", item)
		}
		n, err := strconv.Atoi(strings.TrimSpace(reqs))
		if err != nil {
			return Policy{}, fmt.Errorf("ratelimit: tier %q requests: %w", item, err)
		}
		d, err := time.ParseDuration(strings.TrimSpace(window))
		if err != nil {
			return Policy{}, fmt.Errorf("ratelimit: tier %q window: %w", item, err)
		}
		tiers = append(tiers, Tier{Name: name, Requests: n, Window: d})
	}
	if len(tiers) == 0 {
		return Policy{}, errors.New("ratelimit: no tiers defined")
	}
	return NewPolicy(defaultTier, tiers...)
}

type policyFile struct {
	Default string `yaml:"default"`
	Tiers   map[string]struct {
		Requests int    `yaml:"requests"`
		Window   string `yaml:"window"`
	} `yaml:"tiers"`
}

// LoadPolicy reads a YAML policy:
//
//	default: free
//	tiers:
//	  free: {requests: 100, window: 60s}
func LoadPolicy(r io.Reader) (Policy, error) {
	var file policyFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return Policy{}, fmt.Errorf("ratelimit: decode policy: %w", err)
	}
	if len(file.Tiers) == 0 {
		return Policy{}, errors.New("ratelimit: no tiers defined")
	}
	tiers := make([]Tier, 0, len(file.Tiers))
	for name, def := range file.Tiers {
		d, err := time.ParseDuration(def.Window)
		if err != nil {
			return Policy{}, fmt.Errorf("ratelimit: tier %s window: %w", name, err)
		}
		tiers = append(tiers, Tier{Name: name, Requests: def.Requests, Window: d})
	}
	def := file.Default
	if def == "" {
		def = TierFree
	}
	return NewPolicy(def, tiers...)
}

func normalizeTier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
