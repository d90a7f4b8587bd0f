// Package allowlist holds the per-role command policies and the mapping from
// agent names to policy categories.
package allowlist

import (
	"fmt"
	"regexp"

	"github.com/agentsh/cmdgate/internal/validate"
)

// DefaultCategory is the most restrictive category. Unknown and empty agent
// names resolve to it.
const DefaultCategory = "default"

// Policy is the validation policy of one category. It must not be modified
// after the Registry holding it has been built.
type Policy struct {
	Description        string              `yaml:"description,omitempty" json:"description,omitempty"`
	AllowedCommands    []string            `yaml:"allowed_commands" json:"allowed_commands"`
	AllowedSubcommands map[string][]string `yaml:"allowed_subcommands,omitempty" json:"allowed_subcommands,omitempty"`
	DeniedPatterns     []string            `yaml:"denied_patterns" json:"denied_patterns"`

	PathValidationRequired bool `yaml:"path_validation_required" json:"path_validation_required"`

	// RequireApproval is keyed by a command name ("terraform") or a command
	// and subcommand ("terraform apply").
	RequireApproval map[string]bool `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	ApprovalMessage string          `yaml:"approval_message,omitempty" json:"approval_message,omitempty"`

	// Infrastructure marks categories that reach cloud, cluster or database
	// resources. Such categories must carry approval entries.
	Infrastructure bool `yaml:"infrastructure,omitempty" json:"infrastructure,omitempty"`

	denied []*regexp.Regexp
}

func (p *Policy) compile() error {
	p.denied = make([]*regexp.Regexp, 0, len(p.DeniedPatterns))
	for _, s := range p.DeniedPatterns {
		re, err := regexp.Compile(s)
		if err != nil {
			return fmt.Errorf("denied pattern %q: %w", s, err)
		}
		p.denied = append(p.denied, re)
	}
	return nil
}

// Allows reports whether cmd is in the allowlist.
func (p *Policy) Allows(cmd string) bool {
	for _, c := range p.AllowedCommands {
		if c == cmd {
			return true
		}
	}
	return false
}

// RequiresApproval reports whether running cmd (with optional subcommand sub)
// needs out-of-band human confirmation.
func (p *Policy) RequiresApproval(cmd, sub string) bool {
	if p.RequireApproval[cmd] {
		return true
	}
	return sub != "" && p.RequireApproval[cmd+" "+sub]
}

// CommandOptions renders the policy as validator options for a workspace.
func (p *Policy) CommandOptions(workspaceRoot string) validate.CommandOptions {
	return validate.CommandOptions{
		AllowedSubcommands:     p.AllowedSubcommands,
		DeniedPatterns:         p.denied,
		PathValidationRequired: p.PathValidationRequired,
		WorkspaceRoot:          workspaceRoot,
	}
}

// Denied returns the compiled denied patterns.
func (p *Policy) Denied() []*regexp.Regexp {
	return p.denied
}
