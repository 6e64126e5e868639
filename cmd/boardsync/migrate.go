package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"boardsync/service"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Assign allListsOrder to every task created before it existed",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	owners, tasks, err := service.NewOrderAssigner(backend).BackfillAll(ctx)
	entry := log.WithFields(log.Fields{"owners": owners, "tasks": tasks})
	if err != nil {
		entry.WithError(err).Error("backfill stopped")
		return err
	}
	entry.Info("backfill complete")
	return nil
}
