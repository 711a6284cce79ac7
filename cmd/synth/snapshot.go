package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/synthd/internal/services"
	"github.com/fyrsmithlabs/synthd/internal/snapshot"
)

func newSnapshotCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Archive and list experiment snapshots",
	}

	save := &cobra.Command{
		Use:   "save [name]",
		Short: "Copy the artifacts into a named experiment",
		Long: `Copy every artifact into experiments/<name> and commit it there. The
name defaults to snapshot_<timestamp>.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := snapshots(root)
			if err != nil {
				return err
			}
			name := mgr.DefaultName()
			if len(args) == 1 {
				name = args[0]
			}
			snap, err := mgr.Save(cmd.Context(), name)
			if err != nil {
				return err
			}
			if root.jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(snap)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d files to %s\n", snap.Files, snap.Path)
			if snap.Commit != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Commit %s\n", shortCommit(snap.Commit))
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved experiments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := snapshots(root)
			if err != nil {
				return err
			}
			snaps, err := mgr.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if root.jsonOutput {
				return json.NewEncoder(out).Encode(snaps)
			}
			if len(snaps) == 0 {
				fmt.Fprintln(out, "No experiments saved.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFILES\tCOMMIT\tCREATED")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Name, s.Files, shortCommit(s.Commit), s.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(save, list)
	return cmd
}

// snapshots needs only the paths, so it skips opening the stores.
func snapshots(root *rootOptions) (*snapshot.Manager, error) {
	cfg, err := root.load()
	if err != nil {
		return nil, err
	}
	paths := services.PathsFor(cfg)
	return snapshot.New(paths.Dir, paths.Experiments, nil), nil
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	if c == "" {
		return "-"
	}
	return c
}
