// Package cmd implements the score-hub command-line interface.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/config"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
)

var (
	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:   "scorehub",
		Short: "Score crawling worker for the hub",
		Long: `scorehub runs the bot-side half of the score hub: it claims
scrape jobs from the central queue, drives bot accounts through the
friend workflow on the game portal, and reports collected scores back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(workerCommand())
	rootCmd.AddCommand(proxyCommand())
	rootCmd.AddCommand(statusCommand())
}

// loadConfig loads the config file and builds the logger, honoring the
// --debug flag.
func loadConfig() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if debug {
		cfg.Logger.Level = "debug"
		cfg.Logger.Development = true
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
