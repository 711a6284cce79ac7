// Command synth drives the synthesis pipeline and inspects its artifacts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/synthd/internal/config"
	"github.com/fyrsmithlabs/synthd/internal/services"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the persistent flags.
type rootOptions struct {
	configPath string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "synth",
		Short: "Run and inspect the synthd research pipeline",
		Long: `synth runs batches of research documents through the eight-stage
synthesis pipeline and inspects what the runs left behind: open evidence
gaps, directives and experiment snapshots.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/synthd/config.yaml)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output results as JSON")

	root.AddCommand(
		newRunCmd(opts),
		newAuditCmd(opts),
		newSnapshotCmd(opts),
		newGapsCmd(opts),
		newDirectivesCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadWithFile(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// open loads config and builds the registry. The caller closes it.
func (o *rootOptions) open(ctx context.Context, build services.BuildOptions) (services.Registry, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	build.Version = version
	reg, err := services.Build(ctx, cfg, build)
	if err != nil {
		return nil, fmt.Errorf("initializing services: %w", err)
	}
	return reg, nil
}
