package allowlist

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// AgentPattern maps every agent whose name matches Pattern to Category.
type AgentPattern struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	Category string `yaml:"category" json:"category"`
}

// Table is the serialized form of a registry.
type Table struct {
	Categories    map[string]*Policy `yaml:"categories" json:"categories"`
	Agents        map[string]string  `yaml:"agents,omitempty" json:"agents,omitempty"`
	AgentPatterns []AgentPattern     `yaml:"agent_patterns,omitempty" json:"agent_patterns,omitempty"`
}

type compiledPattern struct {
	AgentPattern
	g glob.Glob
}

// Registry resolves agents to categories and categories to policies. It is
// immutable and safe for concurrent use.
type Registry struct {
	categories map[string]*Policy
	agents     map[string]string
	patterns   []compiledPattern
}

// New compiles t and checks it with Validate.
func New(t Table) (*Registry, error) {
	r := &Registry{
		categories: make(map[string]*Policy, len(t.Categories)),
		agents:     make(map[string]string, len(t.Agents)),
	}
	for name, p := range t.Categories {
		if p == nil {
			return nil, fmt.Errorf("category %q: empty policy", name)
		}
		cp := *p
		if err := cp.compile(); err != nil {
			return nil, fmt.Errorf("category %q: %w", name, err)
		}
		r.categories[name] = &cp
	}
	for agent, cat := range t.Agents {
		r.agents[agent] = cat
	}
	for _, ap := range t.AgentPatterns {
		g, err := glob.Compile(ap.Pattern)
		if err != nil {
			return nil, fmt.Errorf("agent pattern %q: %w", ap.Pattern, err)
		}
		r.patterns = append(r.patterns, compiledPattern{AgentPattern: ap, g: g})
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// MustNew is New for tables known to be valid.
func MustNew(t Table) *Registry {
	r, err := New(t)
	if err != nil {
		panic(err)
	}
	return r
}

// CategoryForAgent returns the category of an agent: the exact mapping
// first, then the first matching pattern, then DefaultCategory.
func (r *Registry) CategoryForAgent(name string) string {
	if name == "" {
		return DefaultCategory
	}
	if cat, ok := r.agents[name]; ok {
		return cat
	}
	for _, p := range r.patterns {
		if p.g.Match(name) {
			return p.Category
		}
	}
	return DefaultCategory
}

// PolicyForAgent returns the policy of the agent's category. It never
// returns nil.
func (r *Registry) PolicyForAgent(name string) *Policy {
	return r.categories[r.CategoryForAgent(name)]
}

// Policy returns the policy of a category.
func (r *Registry) Policy(category string) (*Policy, bool) {
	p, ok := r.categories[category]
	return p, ok
}

// Categories returns the category names, sorted.
func (r *Registry) Categories() []string {
	out := make([]string, 0, len(r.categories))
	for name := range r.categories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Agents returns a copy of the exact agent mapping.
func (r *Registry) Agents() map[string]string {
	out := make(map[string]string, len(r.agents))
	for k, v := range r.agents {
		out[k] = v
	}
	return out
}

// AgentPatterns returns the pattern mapping in match order.
func (r *Registry) AgentPatterns() []AgentPattern {
	out := make([]AgentPattern, 0, len(r.patterns))
	for _, p := range r.patterns {
		out = append(out, p.AgentPattern)
	}
	return out
}

// Commands that change the filesystem; forbidden in the read-only category.
var mutatingCommands = []string{
	"rm", "rmdir", "mv", "cp", "mkdir", "touch", "chmod", "chown", "chgrp",
	"ln", "dd", "truncate", "shred", "tee", "install", "rsync", "unlink",
}

// Git verbs that never write to the repository or a remote.
var readOnlyGitVerbs = map[string]bool{
	"diff": true, "log": true, "show": true, "status": true, "blame": true,
	"shortlog": true, "describe": true, "rev-parse": true, "ls-files": true, "grep": true,
}

// Each category's denied patterns must match every one of these probes.
var substitutionProbes = []string{"echo `id`", "echo $(id)", "diff <(ls) x"}

// Validate checks referential integrity and the security ordering of the
// table: default is the smallest allowlist, read-only cannot mutate, every
// category denies command and process substitution, and categories that
// require approval say why.
func (r *Registry) Validate() error {
	var errs []error

	def, ok := r.categories[DefaultCategory]
	if !ok {
		return fmt.Errorf("category %q is required", DefaultCategory)
	}
	for agent, cat := range r.agents {
		if _, ok := r.categories[cat]; !ok {
			errs = append(errs, fmt.Errorf("agent %q maps to unknown category %q", agent, cat))
		}
	}
	for _, p := range r.patterns {
		if _, ok := r.categories[p.Category]; !ok {
			errs = append(errs, fmt.Errorf("agent pattern %q maps to unknown category %q", p.Pattern, p.Category))
		}
	}

	for _, name := range r.Categories() {
		p := r.categories[name]
		if len(p.AllowedCommands) < len(def.AllowedCommands) {
			errs = append(errs, fmt.Errorf("category %q allows fewer commands (%d) than %q (%d)",
				name, len(p.AllowedCommands), DefaultCategory, len(def.AllowedCommands)))
		}
		for _, probe := range substitutionProbes {
			if !matchesAny(p.denied, probe) {
				errs = append(errs, fmt.Errorf("category %q does not deny %q", name, probe))
			}
		}
		for cmd := range p.AllowedSubcommands {
			if !p.Allows(cmd) {
				errs = append(errs, fmt.Errorf("category %q restricts subcommands of %q which it does not allow", name, cmd))
			}
		}
		if len(p.RequireApproval) > 0 && strings.TrimSpace(p.ApprovalMessage) == "" {
			errs = append(errs, fmt.Errorf("category %q requires approval but has no approval message", name))
		}
		if p.Infrastructure && len(p.RequireApproval) == 0 {
			errs = append(errs, fmt.Errorf("infrastructure category %q has no approval entries", name))
		}
	}

	if ro, ok := r.categories["read-only"]; ok {
		for _, c := range mutatingCommands {
			if ro.Allows(c) {
				errs = append(errs, fmt.Errorf("read-only category allows mutating command %q", c))
			}
		}
		if ro.Allows("git") {
			verbs, restricted := ro.AllowedSubcommands["git"]
			if !restricted {
				errs = append(errs, errors.New("read-only category allows git without a subcommand restriction"))
			}
			for _, v := range verbs {
				if !readOnlyGitVerbs[v] {
					errs = append(errs, fmt.Errorf("read-only category allows mutating git verb %q", v))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
