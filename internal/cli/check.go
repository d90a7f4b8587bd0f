package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentsh/cmdgate/internal/gateway"
	"github.com/agentsh/cmdgate/internal/server"
	"github.com/agentsh/cmdgate/internal/validate"
	"github.com/agentsh/cmdgate/pkg/types"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate an agent operation locally",
		Long: `Run a single check through the gateway and print the decision as JSON.

The decision is written to the configured audit log like any other.
Exit status is 0 when allowed, 2 when denied and 3 when the command
needs human approval.`,
	}

	var workspace string

	commandCmd := &cobra.Command{
		Use:   "command <agent> <command>",
		Short: "Check a shell command against the agent's allowlist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, func(ctx context.Context, gw *gateway.Gateway) gateway.Result {
				return gw.CheckCommand(ctx, args[0], args[1], workspace)
			})
		},
	}
	commandCmd.Flags().StringVar(&workspace, "workspace", "", "Workspace root (default: workspace.root from config)")

	pathCmd := &cobra.Command{
		Use:   "path <agent> <path>",
		Short: "Check that a path stays inside the workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, func(ctx context.Context, gw *gateway.Gateway) gateway.Result {
				return gw.CheckPath(ctx, args[0], args[1], workspace)
			})
		},
	}
	pathCmd.Flags().StringVar(&workspace, "workspace", "", "Workspace root (default: workspace.root from config)")

	urlCmd := &cobra.Command{
		Use:   "url <agent> <url>",
		Short: "Check a URL's scheme and credentials",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, func(ctx context.Context, gw *gateway.Gateway) gateway.Result {
				return gw.CheckURL(ctx, args[0], args[1])
			})
		},
	}

	tokensCmd := &cobra.Command{
		Use:   "tokens <command>",
		Short: "Print the simple commands and tokens a shell command parses into",
		Long: `Parse a command the way "check command" does and print each simple
command as a JSON array of tokens. Nothing is validated or audited.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := validate.Tokenize(args[0])
			if err != nil {
				return fmt.Errorf("parse command: %w", err)
			}
			if tokens == nil {
				tokens = [][]string{}
			}
			return printJSON(cmd, tokens)
		},
	}

	cmd.AddCommand(commandCmd, pathCmd, urlCmd, tokensCmd, newCheckParamCmd())
	return cmd
}

func newCheckParamCmd() *cobra.Command {
	var (
		typ     string
		min     float64
		max     float64
		allowed []string
	)
	cmd := &cobra.Command{
		Use:   "param <agent> <name> <value>",
		Short: "Check a workflow parameter against its declared type",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt := validate.ParamType(strings.ToLower(typ))
			value, err := parseParamValue(pt, args[2])
			if err != nil {
				return err
			}
			var opts validate.ParamOptions
			if cmd.Flags().Changed("min") {
				opts.Min = &min
			}
			if cmd.Flags().Changed("max") {
				opts.Max = &max
			}
			opts.AllowedValues = allowed
			return runCheck(cmd, func(ctx context.Context, gw *gateway.Gateway) gateway.Result {
				return gw.CheckParameter(ctx, args[0], args[1], value, pt, opts)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(validate.ParamString), "Parameter type: string|path|url|number|boolean|enum")
	cmd.Flags().Float64Var(&min, "min", 0, "Minimum for number parameters")
	cmd.Flags().Float64Var(&max, "max", 0, "Maximum for number parameters")
	cmd.Flags().StringSliceVar(&allowed, "allowed", nil, "Allowed values for enum parameters")
	return cmd
}

// parseParamValue turns the command-line text into the Go type the
// parameter validator expects. Malformed numbers and booleans are passed
// through as strings so the validator reports the type error.
func parseParamValue(typ validate.ParamType, raw string) (any, error) {
	switch typ {
	case validate.ParamNumber:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f, nil
		}
		return raw, nil
	case validate.ParamBoolean:
		if b, err := strconv.ParseBool(raw); err == nil {
			return b, nil
		}
		return raw, nil
	case validate.ParamString, validate.ParamPath, validate.ParamURL, validate.ParamEnum:
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown parameter type %q", typ)
	}
}

func runCheck(cmd *cobra.Command, check func(context.Context, *gateway.Gateway) gateway.Result) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := server.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	st, err := server.Build(cfg, logger)
	if err != nil {
		return err
	}
	res := check(ctx, st.Gateway)
	if err := st.Close(); err != nil {
		logger.Warn("close audit log", "error", err)
	}
	if err := printJSON(cmd, res); err != nil {
		return err
	}
	switch res.Decision {
	case types.DecisionDeny:
		return exitWith(ExitDenied, "")
	case types.DecisionApprove:
		return exitWith(ExitApprovalRequired, "")
	}
	return nil
}
