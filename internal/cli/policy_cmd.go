package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agentsh/cmdgate/internal/allowlist"
	"github.com/agentsh/cmdgate/internal/server"
	"github.com/agentsh/cmdgate/internal/validate"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect command allowlists",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List categories and the agents mapped to them",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(cmd)
			if err != nil {
				return err
			}
			type category struct {
				Name        string   `json:"name"`
				Description string   `json:"description,omitempty"`
				Agents      []string `json:"agents,omitempty"`
			}
			byCategory := map[string][]string{}
			for agent, cat := range reg.Agents() {
				byCategory[cat] = append(byCategory[cat], agent)
			}
			var out []category
			for _, name := range reg.Categories() {
				p, _ := reg.Policy(name)
				agents := byCategory[name]
				sort.Strings(agents)
				out = append(out, category{Name: name, Description: p.Description, Agents: agents})
			}
			return printJSON(cmd, map[string]any{
				"categories":     out,
				"agent_patterns": reg.AgentPatterns(),
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show CATEGORY",
		Short: "Show a category's policy as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(cmd)
			if err != nil {
				return err
			}
			p, ok := reg.Policy(args[0])
			if !ok {
				return fmt.Errorf("unknown category %q", args[0])
			}
			return printJSON(cmd, p)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "agent NAME",
		Short: "Show which category and policy an agent resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validate.ValidateAgentName(args[0]); err != nil {
				return err
			}
			reg, err := loadRegistry(cmd)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"agent":    args[0],
				"category": reg.CategoryForAgent(args[0]),
				"policy":   reg.PolicyForAgent(args[0]),
			})
		},
	})

	var manifest string
	validateCmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a policy file (parse, compile and check ordering)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := allowlist.LoadFromFile(args[0], manifest); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	validateCmd.Flags().StringVar(&manifest, "manifest", "", "sha256 manifest the file must be listed in")
	cmd.AddCommand(validateCmd)

	return cmd
}

func loadRegistry(cmd *cobra.Command) (*allowlist.Registry, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return server.LoadRegistry(cfg)
}
