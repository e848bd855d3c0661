package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"memento/internal/ledger"
)

func newStatusCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the ledger's per-status record counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := maintenancePipeline(cmdCtx)
			if err != nil {
				return err
			}
			counts, total, err := p.Status()
			if err != nil {
				return err
			}

			rows := [][]string{
				{"Total", strconv.Itoa(total)},
			}
			for _, status := range []ledger.Status{
				ledger.StatusSuccess,
				ledger.StatusFailed,
				ledger.StatusSkipped,
				ledger.StatusInProgress,
				ledger.StatusPending,
			} {
				rows = append(rows, []string{string(status), strconv.Itoa(counts[status])})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Status", "Records"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
}
