package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/synthd/internal/mcp"
	"github.com/fyrsmithlabs/synthd/internal/services"
)

func newMCPCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the run and knowledge tools over MCP stdio",
		Long: `Serve MCP on stdin/stdout so an assistant can list runs, read
publications, query the knowledge graph and record grades. Logs go to
stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, err := root.open(ctx, services.BuildOptions{LogToStderr: true})
			if err != nil {
				return err
			}
			defer reg.Close(ctx)

			srv, err := mcp.NewServer(&mcp.Config{
				Name:    "synthd",
				Version: version,
				Logger:  reg.Logger().Underlying(),
			}, mcp.Deps{
				Runs:       reg.Runs(),
				Knowledge:  reg.Knowledge(),
				Ledger:     reg.Ledger(),
				LedgerPath: reg.Paths().Ledger,
				Scrubber:   reg.Scrubber(),
				Meter:      reg.Telemetry().Meter("github.com/fyrsmithlabs/synthd/internal/mcp"),
			})
			if err != nil {
				return err
			}
			defer srv.Close()
			return srv.Run(ctx)
		},
	}
}
