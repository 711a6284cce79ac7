package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/services"
)

func newDirectivesCmd(root *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "directives",
		Short: "List directives issued from grades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, err := root.open(ctx, services.BuildOptions{LogToStderr: true})
			if err != nil {
				return err
			}
			defer reg.Close(ctx)

			var ds []directive.Directive
			for _, d := range reg.Ledger().Directives(ctx) {
				if all || !d.Retired {
					ds = append(ds, d)
				}
			}

			out := cmd.OutOrStdout()
			if root.jsonOutput {
				if ds == nil {
					ds = []directive.Directive{}
				}
				return json.NewEncoder(out).Encode(ds)
			}
			if len(ds) == 0 {
				fmt.Fprintln(out, "No directives.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEVERITY\tDIMENSION\tORIGIN\tSTATE\tINSTRUCTION")
			for _, d := range ds {
				state := "active"
				if d.Retired {
					state = "retired"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Severity, d.Dimension, d.OriginRun, state, d.Instruction)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include retired directives")

	retire := &cobra.Command{
		Use:   "retire <id>",
		Short: "Retire a directive so later runs ignore it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg, err := root.open(ctx, services.BuildOptions{LogToStderr: true})
			if err != nil {
				return err
			}
			defer reg.Close(ctx)

			if err := reg.Ledger().Retire(ctx, args[0]); err != nil {
				return fmt.Errorf("retiring %s: %w", args[0], err)
			}
			if err := reg.Ledger().Save(reg.Paths().Ledger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retired %s\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(retire)
	return cmd
}
