package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agentsh/cmdgate/internal/server"
)

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the cmdgate HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			slog.SetDefault(logger)

			s, err := server.New(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "cmdgate server listening on %s\n", s.Addr())
			return s.Run(ctx)
		},
	}
}
