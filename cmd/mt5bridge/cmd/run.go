package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"mt5bridge/internal/infrastructure/svc"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation loop until interrupted",
	RunE:  runBridge,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withServiceContext(ctx, func(sc *svc.ServiceContext) error {
		if err := sc.StartHTTP(ctx); err != nil {
			return err
		}

		log.Info().
			Str("config", configPath).
			Str("instance", sc.InstanceID()).
			Dur("poll", sc.Config.PollInterval()).
			Msg("mt5bridge started")

		if err := sc.Bridge().Run(ctx); err != nil {
			log.Error().Err(err).Msg("bridge exited")
			return err
		}
		return nil
	})
}
