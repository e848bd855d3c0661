package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"memento/internal/pipeline"
	"memento/internal/record"
)

func newRunCommand(cmdCtx *commandContext) *cobra.Command {
	var (
		retryFailed  bool
		videosOnly   bool
		picturesOnly bool
		overlaysOnly bool
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "run <export.html>",
		Short: "Download every record in the export, resuming where the last run stopped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if videosOnly && picturesOnly {
				return fmt.Errorf("--videos-only and --pictures-only are mutually exclusive")
			}

			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := cmdCtx.ensureLogger()
			if err != nil {
				return err
			}

			opts := pipeline.Options{Mode: pipeline.ModeRun, Limit: limit, OverlaysOnly: overlaysOnly}
			if retryFailed {
				opts.Mode = pipeline.ModeRetryFailed
			}
			if videosOnly {
				opts.Kind = pipeline.KindVideos
			}
			if picturesOnly {
				opts.Kind = pipeline.KindImages
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			source := record.ExportFile{Path: args[0]}
			rep, err := pipeline.New(cfg, source, logger).Run(ctx, opts)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Metric", "Value"},
				rep.Rows(),
				[]columnAlignment{alignLeft, alignRight},
			))
			for _, failure := range rep.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "record %d failed: %s\n", failure.Seq, failure.Error)
			}
			return ctx.Err()
		},
	}

	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Retry only records that failed in earlier runs")
	cmd.Flags().BoolVar(&videosOnly, "videos-only", false, "Process only records the export marks as video")
	cmd.Flags().BoolVar(&picturesOnly, "pictures-only", false, "Process only records the export marks as image")
	cmd.Flags().BoolVar(&overlaysOnly, "overlays-only", false, "Process only records whose payload carries an overlay layer")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many records (0 = no limit)")

	return cmd
}
