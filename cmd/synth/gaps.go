package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/synthd/internal/services"
)

func newGapsCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "List open evidence gaps in the knowledge graph",
		Long: `List the latest claim of every (subject, predicate) pair that is still
marked as a gap and that no protocol targets yet, oldest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, err := root.open(ctx, services.BuildOptions{LogToStderr: true})
			if err != nil {
				return err
			}
			defer reg.Close(ctx)

			gaps, err := reg.Knowledge().OpenGaps(ctx)
			if err != nil {
				return err
			}
			if limit > 0 && len(gaps) > limit {
				gaps = gaps[:limit]
			}

			out := cmd.OutOrStdout()
			if root.jsonOutput {
				return json.NewEncoder(out).Encode(gaps)
			}
			if len(gaps) == 0 {
				fmt.Fprintln(out, "No open gaps.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEVERITY\tKIND\tSUBJECT\tPREDICATE\tRUN")
			for _, g := range gaps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", g.ID, g.Severity, g.GapKind, g.Subject, g.Predicate, g.RunID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum gaps to show (0 for all)")
	return cmd
}
