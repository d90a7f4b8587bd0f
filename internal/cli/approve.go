package cli

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agentsh/cmdgate/internal/approvals"
	"github.com/agentsh/cmdgate/internal/client"
)

type clientConfig struct {
	serverAddr string
	apiKey     string
	header     string
}

func getClientConfig(cmd *cobra.Command) clientConfig {
	f := cmd.Flags()
	server, _ := f.GetString("server")
	apiKey, _ := f.GetString("api-key")
	header, _ := f.GetString("api-key-header")
	return clientConfig{serverAddr: server, apiKey: apiKey, header: header}
}

func newClient(cmd *cobra.Command) *client.Client {
	cfg := getClientConfig(cmd)
	return client.New(cfg.serverAddr, cfg.apiKey).WithHeader(cfg.header)
}

func newApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Request, list and resolve command approvals on a running server",
		Long: `Work with the approval queue of a running cmdgate server.

Commands that an agent's policy marks as needing approval can be queued
with "request" and are run only after an operator approves them with
"resolve --allow". When the server requires TOTP, pass the current code
with --code; "totp-setup" prints a new secret for it.`,
	}
	cmd.PersistentFlags().String("server", getenvDefault("CMDGATE_SERVER", "http://127.0.0.1:8080"), "Server base URL")
	cmd.PersistentFlags().String("api-key", getenvDefault("CMDGATE_API_KEY", ""), "API key")
	cmd.PersistentFlags().String("api-key-header", "X-API-Key", "Header the API key is sent in")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient(cmd).ListApprovals(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	})

	var wait time.Duration
	requestCmd := &cobra.Command{
		Use:   "request <agent> <command>",
		Short: "Queue a command for approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			st, err := c.RequestApproval(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if wait > 0 {
				if st, err = waitForApproval(cmd, c, st.ID, wait); err != nil {
					return err
				}
			}
			return printApproval(cmd, st)
		},
	}
	requestCmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for a decision")
	cmd.AddCommand(requestCmd)

	var statusWait time.Duration
	statusCmd := &cobra.Command{
		Use:   "status <approval-id>",
		Short: "Show an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := waitForApproval(cmd, newClient(cmd), args[0], statusWait)
			if err != nil {
				return err
			}
			return printApproval(cmd, st)
		},
	}
	statusCmd.Flags().DurationVar(&statusWait, "wait", 0, "Wait up to this long for a decision")
	cmd.AddCommand(statusCmd)

	var allow, deny bool
	var reason, code string
	resolveCmd := &cobra.Command{
		Use:   "resolve <approval-id>",
		Short: "Approve or deny a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if allow == deny {
				return fmt.Errorf("choose exactly one of --allow or --deny")
			}
			decision := "deny"
			if allow {
				decision = "approve"
			}
			c := newClient(cmd)
			st, err := c.ResolveApproval(cmd.Context(), args[0], decision, reason, code)
			if code == "" && needsCode(err) && term.IsTerminal(int(os.Stdin.Fd())) {
				if code, err = promptCode(cmd); err != nil {
					return err
				}
				st, err = c.ResolveApproval(cmd.Context(), args[0], decision, reason, code)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
	resolveCmd.Flags().BoolVar(&allow, "allow", false, "Approve")
	resolveCmd.Flags().BoolVar(&deny, "deny", false, "Deny")
	resolveCmd.Flags().StringVar(&reason, "reason", "", "Reason (optional)")
	resolveCmd.Flags().StringVar(&code, "code", "", "Current TOTP code, when the server requires one (prompted for on a terminal)")
	cmd.AddCommand(resolveCmd)

	var account string
	totpCmd := &cobra.Command{
		Use:   "totp-setup",
		Short: "Generate a TOTP secret for approvers",
		Long: `Generate a new TOTP secret and print it with a QR code for an
authenticator app. Give the secret to the server through the variable named
by approvals.totp_secret_env.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := approvals.GenerateTOTPKey(account)
			if err != nil {
				return err
			}
			return approvals.WriteTOTPSetup(cmd.OutOrStdout(), key)
		},
	}
	totpCmd.Flags().StringVar(&account, "account", "operator", "Account name shown in the authenticator")
	cmd.AddCommand(totpCmd)

	return cmd
}

func needsCode(err error) bool {
	var he *client.HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusForbidden &&
		strings.Contains(he.Body, approvals.ErrInvalidCode.Error())
}

func promptCode(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), "TOTP code: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read TOTP code: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// waitForApproval long-polls in steps the server accepts until the
// request leaves pending or wait runs out.
func waitForApproval(cmd *cobra.Command, c *client.Client, id string, wait time.Duration) (approvals.Status, error) {
	deadline := time.Now().Add(wait)
	for {
		step := time.Until(deadline)
		if step > time.Minute {
			step = time.Minute
		}
		if step < 0 {
			step = 0
		}
		st, err := c.GetApproval(cmd.Context(), id, step)
		if err != nil || st.State != approvals.StatePending || step == 0 || time.Now().After(deadline) {
			return st, err
		}
	}
}

// printApproval prints st and maps a final decision onto the check exit
// codes.
func printApproval(cmd *cobra.Command, st approvals.Status) error {
	if err := printJSON(cmd, st); err != nil {
		return err
	}
	switch st.State {
	case approvals.StateApproved:
		return nil
	case approvals.StatePending:
		return exitWith(ExitApprovalRequired, "")
	default:
		return exitWith(ExitDenied, "")
	}
}
