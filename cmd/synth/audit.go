package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/synthd/internal/auditor"
	"github.com/fyrsmithlabs/synthd/internal/directive"
	"github.com/fyrsmithlabs/synthd/internal/services"
)

func newAuditCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Grade completed publications interactively",
		Long: `Open the grading console over completed runs that have no human grade
yet, newest first. Each saved grade is written to the directive ledger
immediately, so quitting part way keeps what was graded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, err := root.open(ctx, services.BuildOptions{LogToStderr: true})
			if err != nil {
				return err
			}
			defer reg.Close(ctx)

			ledger := reg.Ledger()
			candidates, err := auditor.Candidates(ctx, reg.Runs(), ledger.Grades(ctx), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(candidates) == 0 {
				fmt.Fprintln(out, "Nothing to grade.")
				return nil
			}

			recorded, err := auditor.Run(ctx, candidates, ledgerGrader(ledger, reg.Paths().Ledger))
			if err != nil {
				return fmt.Errorf("grading console: %w", err)
			}
			fmt.Fprintf(out, "Recorded %d of %d grades.\n", recorded, len(candidates))
			if active := activeCount(ledger.Directives(ctx)); active > 0 {
				fmt.Fprintf(out, "%d active directives.\n", active)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum runs to present (0 for all)")
	return cmd
}

// ledgerGrader records a human grade and persists the ledger.
func ledgerGrader(ledger *directive.Ledger, path string) auditor.GradeFunc {
	return func(ctx context.Context, g directive.Grade) error {
		g.Source = directive.SourceHuman
		if err := ledger.RecordGrade(ctx, g); err != nil {
			return err
		}
		return ledger.Save(path)
	}
}

func activeCount(ds []directive.Directive) int {
	n := 0
	for _, d := range ds {
		if !d.Retired {
			n++
		}
	}
	return n
}
