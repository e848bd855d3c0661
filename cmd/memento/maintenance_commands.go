package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"memento/internal/pipeline"
)

// maintenancePipeline builds a Pipeline for the standalone post-processing
// commands, which never need a record source.
func maintenancePipeline(cmdCtx *commandContext) (*pipeline.Pipeline, error) {
	cfg, err := cmdCtx.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := cmdCtx.ensureLogger()
	if err != nil {
		return nil, err
	}
	return pipeline.New(cfg, nil, logger), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newMergeCommand(cmdCtx *commandContext) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Composite unmerged main+overlay pairs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := maintenancePipeline(cmdCtx)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			var merged int
			if dir != "" {
				merged, err = p.MergeDirectory(ctx, dir)
			} else {
				merged, err = p.MergeLedger(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d overlay pair(s)\n", merged)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Merge bare -main/-overlay pairs in this directory instead of the ledger's")
	return cmd
}

func newDedupeCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Scan written files and remove later duplicates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := maintenancePipeline(cmdCtx)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			removed, err := p.Dedupe(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d duplicate(s)\n", removed)
			return nil
		},
	}
}

func newJoinCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Concatenate video records captured within the join threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := maintenancePipeline(cmdCtx)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			joined, err := p.Join(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined %d group(s)\n", joined)
			return nil
		},
	}
}
