package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"boardsync/client"
	"boardsync/domain"
)

var (
	watchURL   string
	watchToken string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a user's boards through the event stream and log every change",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "http://localhost:8080", "server base URL")
	watchCmd.Flags().StringVar(&watchToken, "token", os.Getenv("BOARDSYNC_TOKEN"), "bearer token (defaults to $BOARDSYNC_TOKEN)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchToken == "" {
		return errors.New("--token is required")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := client.NewStore(client.NewHTTPTransport(watchURL, watchToken))
	changes, unsubscribe := store.Changes()
	defer unsubscribe()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				logSnapshot(store.Snapshot())
			}
		}
	}()

	err := store.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logSnapshot(snap client.Snapshot) {
	if snap.Err != "" {
		log.WithField("error", snap.Err).Warn("last command failed")
	}
	for _, v := range snap.Views {
		fields := log.Fields{"list": v.Meta().Title, "id": v.ID()}
		for _, b := range domain.Boards {
			fields[string(b)] = len(v.Board(b))
		}
		log.WithFields(fields).Info("view")
	}
}
