package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"boardsync/storage"
)

var initStorageCmd = &cobra.Command{
	Use:   "init-storage",
	Short: "Create tables or indexes for the configured backend",
	Args:  cobra.NoArgs,
	RunE:  runInitStorage,
}

func runInitStorage(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	switch st := backend.(type) {
	case *storage.Tables:
		if err := st.CreateTables(ctx); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
		log.WithFields(log.Fields{"tasks": cfg.Storage.TasksTable, "lists": cfg.Storage.ListsTable}).Info("tables ready")
	case *storage.Mongo:
		if err := st.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}
		log.WithField("db", cfg.Storage.MongoDB).Info("indexes ready")
	default:
		log.Info("nothing to initialize")
	}
	return nil
}
