// Package cli implements the cmdgate command line.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentsh/cmdgate/internal/config"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cmdgate",
		Short:         "cmdgate: command validation gateway for AI agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("cmdgate {{.Version}}\n")

	cmd.PersistentFlags().String("config", getenvDefault("CMDGATE_CONFIG", ""), "Config file path (default: ./config.yml, ./config.yaml or /etc/cmdgate/config.yaml)")

	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newPolicyCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newApproveCmd())

	return cmd
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func defaultConfigPath() string {
	for _, p := range []string{"config.yml", "config.yaml", "/etc/cmdgate/config.yaml", "/etc/cmdgate/config.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadConfig reads the --config file. Without one, and with no config in
// the usual places, the defaults apply.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigPath()
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
