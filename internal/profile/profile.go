// Package profile picks the provider-tailored system prompt pack used by
// the interactive-sdk backend.
package profile

import (
	"cmp"
	"slices"
	"strings"
)

// Profile names a system prompt dialect.
type Profile string

const (
	Anthropic Profile = "anthropic"
	OpenAI    Profile = "openai"
	Google    Profile = "google"
	Moonshot  Profile = "moonshot"
	Generic   Profile = "generic"
)

// Profiles lists every known profile.
var Profiles = []Profile{Anthropic, OpenAI, Google, Moonshot, Generic}

// Valid reports whether p is a known profile.
func (p Profile) Valid() bool { return slices.Contains(Profiles, p) }

// Source says which resolution tier produced a Resolution.
type Source string

const (
	SourceActiveModel     Source = "active_model"
	SourceExplicitPattern Source = "explicit_model_pattern"
	SourceScopedModels    Source = "scoped_models"
	SourceFallback        Source = "fallback"
)

// Reasons attached to a Resolution.
const (
	ReasonActiveDirect           = "active_model_direct_match"
	ReasonExplicitDirect         = "explicit_model_pattern_direct_match"
	ReasonScopedExact            = "scoped_exact_model_match"
	ReasonScopedModelMajority    = "scoped_model_id_majority"
	ReasonScopedProviderMajority = "scoped_provider_majority"

	ReasonNoInput     = "no_active_model_or_explicit_pattern"
	ReasonNoScoped    = "no_scoped_models_available"
	ReasonScopedClash = "scoped_models_conflict"
	ReasonNoMatch     = "no_profile_match"
)

// Resolution is always reported whole; the reason is surfaced to operators.
type Resolution struct {
	Profile Profile `json:"profile"`
	Source  Source  `json:"source"`
	Reason  string  `json:"reason"`
}

// Rule maps provider names and model-id substrings onto a profile. Higher
// priority rules are tried first.
type Rule struct {
	Profile   Profile  `yaml:"profile" json:"profile"`
	Priority  int      `yaml:"priority" json:"priority"`
	Providers []string `yaml:"providers" json:"providers,omitempty"`
	Models    []string `yaml:"models" json:"models,omitempty"`
}

func (r Rule) matches(ref ModelRef) bool {
	provider := strings.ToLower(ref.Provider)
	model := strings.ToLower(ref.ID)
	if provider != "" {
		for _, p := range r.Providers {
			if strings.EqualFold(provider, p) {
				return true
			}
		}
	}
	if model != "" {
		for _, m := range r.Models {
			if m != "" && strings.Contains(model, strings.ToLower(m)) {
				return true
			}
		}
	}
	return false
}

// DefaultRules matches well-known provider names and model families.
func DefaultRules() []Rule {
	return []Rule{
		{Profile: Anthropic, Priority: 100, Providers: []string{"anthropic"}, Models: []string{"claude"}},
		{Profile: OpenAI, Priority: 90, Providers: []string{"openai", "azure-openai"}, Models: []string{"gpt-", "o1", "o3", "o4-", "codex"}},
		{Profile: Google, Priority: 80, Providers: []string{"google", "googleai", "gemini", "vertexai"}, Models: []string{"gemini", "gemma"}},
		{Profile: Moonshot, Priority: 70, Providers: []string{"moonshot", "moonshotai", "kimi"}, Models: []string{"kimi", "moonshot"}},
	}
}

// ModelRef is a provider/model-id pair. Scoped catalog entries may pin a
// profile for models the rules cannot recognize.
type ModelRef struct {
	Provider string  `yaml:"provider" json:"provider"`
	ID       string  `yaml:"id" json:"id"`
	Profile  Profile `yaml:"profile,omitempty" json:"profile,omitempty"`
}

// ParseModelRef splits "provider/model". A bare model id has no provider.
func ParseModelRef(s string) ModelRef {
	s = strings.TrimSpace(s)
	if provider, id, ok := strings.Cut(s, "/"); ok {
		return ModelRef{Provider: strings.TrimSpace(provider), ID: strings.TrimSpace(id)}
	}
	return ModelRef{ID: s}
}

func (m ModelRef) String() string {
	if m.Provider == "" {
		return m.ID
	}
	return m.Provider + "/" + m.ID
}

func (m ModelRef) empty() bool { return m.Provider == "" && m.ID == "" }

// Input carries everything the resolver may consult.
type Input struct {
	Active          ModelRef
	ExplicitPattern string
	Scoped          []ModelRef
}

// Resolver resolves prompt profiles against an ordered rule set.
type Resolver struct {
	rules []Rule
}

// NewResolver merges custom rules with the defaults. Rules are tried in
// descending priority; equal priorities keep declaration order with custom
// rules first.
func NewResolver(custom ...Rule) *Resolver {
	var rules []Rule
	for _, r := range custom {
		if r.Profile.Valid() && r.Profile != Generic {
			rules = append(rules, r)
		}
	}
	rules = append(rules, DefaultRules()...)
	slices.SortStableFunc(rules, func(a, b Rule) int { return cmp.Compare(b.Priority, a.Priority) })
	return &Resolver{rules: rules}
}

// Rules returns the effective ordered rule set.
func (r *Resolver) Rules() []Rule { return slices.Clone(r.rules) }

func (r *Resolver) match(ref ModelRef) (Profile, bool) {
	if ref.empty() {
		return "", false
	}
	if ref.Profile.Valid() && ref.Profile != Generic {
		return ref.Profile, true
	}
	for _, rule := range r.rules {
		if rule.matches(ref) {
			return rule.Profile, true
		}
	}
	return "", false
}

// Resolve picks a profile. First match wins: active model, explicit
// pattern, scoped-catalog consensus, then the generic fallback.
func (r *Resolver) Resolve(in Input) Resolution {
	if p, ok := r.match(in.Active); ok {
		return Resolution{Profile: p, Source: SourceActiveModel, Reason: ReasonActiveDirect}
	}
	pattern := patternRef(in.ExplicitPattern)
	if p, ok := r.match(pattern); ok {
		return Resolution{Profile: p, Source: SourceExplicitPattern, Reason: ReasonExplicitDirect}
	}

	key := in.Active
	if key.empty() {
		key = pattern
	}
	if key.empty() {
		return fallback(ReasonNoInput)
	}
	if len(in.Scoped) == 0 {
		return fallback(ReasonNoScoped)
	}
	return r.resolveScoped(key, in.Scoped)
}

func (r *Resolver) resolveScoped(key ModelRef, scoped []ModelRef) Resolution {
	for _, m := range scoped {
		if key.Provider != "" && strings.EqualFold(m.Provider, key.Provider) && strings.EqualFold(m.ID, key.ID) {
			if p, ok := r.match(m); ok {
				return Resolution{Profile: p, Source: SourceScopedModels, Reason: ReasonScopedExact}
			}
		}
	}

	tiers := []struct {
		reason string
		keep   func(ModelRef) bool
	}{
		{ReasonScopedModelMajority, func(m ModelRef) bool { return key.ID != "" && strings.EqualFold(m.ID, key.ID) }},
		{ReasonScopedProviderMajority, func(m ModelRef) bool { return key.Provider != "" && strings.EqualFold(m.Provider, key.Provider) }},
	}
	for _, tier := range tiers {
		counts := map[Profile]int{}
		for _, m := range scoped {
			if !tier.keep(m) {
				continue
			}
			if p, ok := r.match(m); ok {
				counts[p]++
			}
		}
		if len(counts) == 0 {
			continue
		}
		p, unique := majority(counts)
		if !unique {
			return fallback(ReasonScopedClash)
		}
		return Resolution{Profile: p, Source: SourceScopedModels, Reason: tier.reason}
	}
	return fallback(ReasonNoMatch)
}

func majority(counts map[Profile]int) (Profile, bool) {
	var best Profile
	top, ties := 0, 0
	for _, p := range Profiles {
		switch n := counts[p]; {
		case n > top:
			best, top, ties = p, n, 1
		case n == top && n > 0:
			ties++
		}
	}
	return best, ties == 1
}

// patternRef turns an explicit model pattern such as "openai/gpt-*" into a
// matchable reference by dropping glob characters.
func patternRef(pattern string) ModelRef {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '*', '?', '[', ']':
			return -1
		}
		return r
	}, pattern)
	return ParseModelRef(clean)
}

func fallback(reason string) Resolution {
	return Resolution{Profile: Generic, Source: SourceFallback, Reason: reason}
}
