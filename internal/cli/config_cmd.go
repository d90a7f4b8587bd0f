package cli

import (
	"maps"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentsh/cmdgate/internal/audit"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			shown := *cfg
			// Exporter headers often carry bearer tokens.
			shown.Audit.Webhook.Headers = redactHeaders(cfg.Audit.Webhook.Headers)
			shown.Audit.OTEL.Headers = redactHeaders(cfg.Audit.OTEL.Headers)
			if shown.Audit.Integrity.HashiCorpVault.SecretID != "" {
				shown.Audit.Integrity.HashiCorpVault.SecretID = audit.Redacted
			}
			b, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	})
	return cmd
}

func redactHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return in
	}
	headers := maps.Clone(in)
	s := audit.NewDefaultSanitizer()
	for k, v := range headers {
		if s.IsSensitiveKey(k) {
			headers[k] = audit.Redacted
		} else {
			headers[k] = s.SanitizeString(v)
		}
	}
	return headers
}
