package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noxrunner/noxrunner/internal/sandbox"
)

var sweepConfigPath string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired sandboxes",
	Long: `Sweep removes every sandbox whose TTL has elapsed, deleting both the
registry record and the backing directory tree. With persistent storage
configured, records from previous runs are swept too.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().StringVar(&sweepConfigPath, "config", "", "path to config file")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(sweepConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	registry, cleanup, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	reaper := sandbox.NewReaper(registry, "", nil, logger)
	reaped := reaper.Sweep(ctx)
	fmt.Printf("removed %d expired sandbox(es)\n", reaped)
	return nil
}
