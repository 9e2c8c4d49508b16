package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mt5bridge/internal/infrastructure/svc"
	"mt5bridge/internal/interfaces/console"
)

var tradesLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored heartbeat and open positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServiceContext(cmd.Context(), func(sc *svc.ServiceContext) error {
			ctx := cmd.Context()
			hb, err := sc.Store().GetHeartbeat(ctx)
			if err != nil {
				return err
			}
			positions, err := sc.Store().ListPositions(ctx)
			if err != nil {
				return err
			}
			console.PrintStatus(cmd.OutOrStdout(), hb, positions, time.Now())
			return nil
		})
	},
}

var tradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "List recorded trade events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServiceContext(cmd.Context(), func(sc *svc.ServiceContext) error {
			trades, err := sc.Store().ListTrades(cmd.Context(), tradesLimit)
			if err != nil {
				return err
			}
			console.PrintTrades(cmd.OutOrStdout(), trades)
			return nil
		})
	},
}

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Print the baseline the bridge would start from",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServiceContext(cmd.Context(), func(sc *svc.ServiceContext) error {
			rec, err := sc.App().RecoveryService().Recover(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cursor %s, %d from positions, %d from open trades\n",
				rec.Cursor.Format(time.RFC3339), rec.FromPositions, rec.FromTrades)
			if rec.Baseline.Len() == 0 {
				fmt.Fprintln(out, "baseline is empty")
				return nil
			}
			console.PrintPositions(out, rec.Baseline.Snapshots())
			return nil
		})
	},
}

func init() {
	tradesCmd.Flags().IntVarP(&tradesLimit, "limit", "n", 50, "maximum rows, 0 for all")
	rootCmd.AddCommand(statusCmd, tradesCmd, baselineCmd)
}
