package cli

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/cmdgate/internal/audit"
	"github.com/agentsh/cmdgate/internal/audit/keysource"
	"github.com/agentsh/cmdgate/internal/config"
	"github.com/agentsh/cmdgate/internal/server"
	"github.com/agentsh/cmdgate/internal/store/jsonl"
	"github.com/agentsh/cmdgate/pkg/types"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log management commands",
	}

	cmd.AddCommand(newAuditRecentCmd())
	cmd.AddCommand(newAuditReportCmd())
	cmd.AddCommand(newAuditVerifyCmd())
	return cmd
}

func newAuditRecentCmd() *cobra.Command {
	var (
		file      string
		agent     string
		operation string
		severity  string
		failed    bool
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Print recent audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := auditPath(cmd, file)
			if err != nil {
				return err
			}
			q := types.EntryQuery{
				Agent:     agent,
				Operation: types.Operation(operation),
				Severity:  types.Severity(strings.ToUpper(severity)),
				Limit:     limit,
			}
			if cmd.Flags().Changed("failed") {
				success := !failed
				q.Success = &success
			}
			entries, err := readAuditLog(path)
			if err != nil {
				return err
			}
			out := make([]types.AuditEntry, 0)
			for i := len(entries) - 1; i >= 0; i-- {
				if !q.Matches(entries[i]) {
					continue
				}
				out = append(out, entries[i])
				if q.Limit > 0 && len(out) >= q.Limit {
					break
				}
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Audit log path (default: audit.output from config)")
	cmd.Flags().StringVar(&agent, "agent", "", "Only entries for this agent")
	cmd.Flags().StringVar(&operation, "operation", "", "Only entries with this operation (e.g. command_execution)")
	cmd.Flags().StringVar(&severity, "severity", "", "Only entries with this severity (INFO, WARNING, CRITICAL)")
	cmd.Flags().BoolVar(&failed, "failed", false, "Only failed (true) or successful (false) entries")
	cmd.Flags().IntVar(&limit, "limit", audit.DefaultRecentLimit, "Maximum entries to print (0 for all)")
	return cmd
}

func newAuditReportCmd() *cobra.Command {
	var (
		file   string
		window time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise the audit log and flag suspicious agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, cfg, err := auditPath(cmd, file)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("window") {
				if window, err = config.ParseDuration(cfg.Audit.AnalysisWindow); err != nil {
					return fmt.Errorf("parse audit.analysis_window: %w", err)
				}
			}
			entries, err := readAuditLog(path)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if window > 0 {
				cutoff := now.Add(-window)
				entries = slices.DeleteFunc(entries, func(e types.AuditEntry) bool {
					return e.Timestamp.Before(cutoff)
				})
			}
			a := audit.Analyze(entries, cfg.Audit.HighFailureThreshold, now)
			if asJSON {
				return printJSON(cmd, a)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), a.Report())
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Audit log path (default: audit.output from config)")
	cmd.Flags().DurationVar(&window, "window", 0, "Only analyse entries newer than this (default: audit.analysis_window)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the analysis as JSON")
	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	var (
		keyFile   string
		keyEnv    string
		algorithm string
		rotations bool
	)

	cmd := &cobra.Command{
		Use:   "verify <log-file>",
		Short: "Verify integrity chain of audit log",
		Long: `Verify the integrity chain of a JSONL audit log file.

Each sealed line must link to the previous one through prev_hash and
carry a correct HMAC in entry_hash. A rotated file verified on its own
is anchored at its first entry; use --rotations on the active file to
verify the whole chain from the oldest rotation onward.

Without --key-file or --key-env the key comes from audit.integrity in the
configuration, which may name a cloud key manager.

Examples:
  cmdgate audit verify /var/log/cmdgate/audit.jsonl --key-file=/etc/cmdgate/hmac.key
  cmdgate audit verify audit.jsonl --key-env=CMDGATE_AUDIT_KEY --rotations`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ksCfg := keysource.Config{KeyFile: keyFile, KeyEnv: keyEnv}
			if keyFile == "" && keyEnv == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				ksCfg = server.KeySourceConfig(cfg.Audit.Integrity)
				if !cmd.Flags().Changed("algorithm") {
					algorithm = cfg.Audit.Integrity.Algorithm
				}
			}
			key, _, err := keysource.Load(cmd.Context(), ksCfg)
			if err != nil {
				return fmt.Errorf("load key: %w", err)
			}

			files := []string{args[0]}
			if rotations {
				if files, err = jsonl.ListFiles(args[0]); err != nil {
					return err
				}
				if len(files) == 0 {
					return fmt.Errorf("no audit log at %s", args[0])
				}
			}
			var readers []io.Reader
			for _, p := range files {
				f, err := os.Open(p)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer f.Close()
				readers = append(readers, f)
			}

			result, err := audit.VerifyChain(io.MultiReader(readers...), key, algorithm)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Verified %d entries (%d skipped without integrity)\n", result.Verified, result.Skipped)
			if result.Anchored {
				fmt.Fprintln(out, "Chain anchored: first entry continues an earlier file")
			}
			if !result.Intact {
				fmt.Fprintf(out, "Chain BROKEN at entry %d: %s\n", result.BrokenAt, result.BrokenReason)
				return exitWith(1, "integrity verification failed")
			}
			fmt.Fprintln(out, "Chain intact: OK")
			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "Path to HMAC key file")
	cmd.Flags().StringVar(&keyEnv, "key-env", "", "Environment variable containing HMAC key")
	cmd.Flags().StringVar(&algorithm, "algorithm", "hmac-sha256", "HMAC algorithm (hmac-sha256 or hmac-sha512)")
	cmd.Flags().BoolVar(&rotations, "rotations", false, "Verify rotated files too, oldest first")

	return cmd
}

func auditPath(cmd *cobra.Command, file string) (string, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", nil, err
	}
	if file == "" {
		file = cfg.Audit.Output
	}
	return file, cfg, nil
}

// readAuditLog returns every entry under path, rotations included, oldest
// first.
func readAuditLog(path string) ([]types.AuditEntry, error) {
	files, err := jsonl.ListFiles(path)
	if err != nil {
		return nil, err
	}
	var out []types.AuditEntry
	for _, f := range files {
		entries, _, err := jsonl.ReadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}
