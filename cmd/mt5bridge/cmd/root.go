package cmd

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"mt5bridge/internal/infrastructure/config"
	"mt5bridge/internal/infrastructure/logger"
	"mt5bridge/internal/infrastructure/svc"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mt5bridge",
	Short: "Mirror MetaTrader 5 positions and trades into a database",
	Long: `mt5bridge polls an MT5 terminal gateway for open positions and closed
deals, reconciles them against the last committed state and records every
open and close exactly once.

Without a subcommand it runs the bridge.`,
	SilenceUsage: true,
	RunE:         runBridge,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.toml", "path to config file (.toml, .yaml)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// withServiceContext loads config, builds the process and hands it to fn.
func withServiceContext(ctx context.Context, fn func(sc *svc.ServiceContext) error) error {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Str("config", configPath).Msg("load config failed")
		return err
	}
	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("initialization failed")
		return err
	}
	defer sc.Close()
	return fn(sc)
}
