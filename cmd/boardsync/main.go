package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"boardsync/config"
	"boardsync/logging"
)

var Version = "dev"

var (
	configPath string
	cfg        config.Config
	logger     *log.Logger
)

var rootCmd = &cobra.Command{
	Use:     "boardsync",
	Short:   "Lists and task boards with live sync across sessions",
	Version: Version,
	// Every command needs settings and a logger.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		logging.Install(logger)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, initStorageCmd, watchCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
