package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vineethgoud568-prog/CureMos/internal/livesync"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"github.com/vineethgoud568-prog/CureMos/internal/redis"
	"github.com/vineethgoud568-prog/CureMos/internal/store"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch consultations | messages <consultation-id>",
	Short: "Keep a live view of consultations or a chat",
	Long: `Print a live table of your consultations or of the messages of one
consultation, redrawn on every change.

Examples:
  consult watch consultations
  consult watch messages 1f0c...`,
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"consultations", "messages"},
	RunE: func(cmd *cobra.Command, args []string) error {
		self, err := caller()
		if err != nil {
			return err
		}

		db, feed, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		out := cmd.OutOrStdout()
		switch args[0] {
		case "consultations":
			view := livesync.New[models.Consultation](db.Consultations(), feed, livesync.Options{
				Table:  models.TableConsultations,
				Filter: models.ConsultationFilter(self.UserID, self.Role),
				Logger: logger,
			})
			return watch(cmd.Context(), view, func(list []models.Consultation) { renderConsultations(out, list) })

		case "messages":
			if len(args) != 2 {
				return fmt.Errorf("watch messages needs a consultation id")
			}
			view := messageView(db, feed, args[1])
			return watch(cmd.Context(), view, func(msgs []models.Message) { renderMessages(out, args[1], msgs) })
		}
		return fmt.Errorf("unknown view %q", args[0])
	},
}

// openStore opens the shared database with the Redis change feed, or an
// in-process feed when Redis is unreachable.
func openStore(ctx context.Context) (*store.Store, *store.Feed, func(), error) {
	var (
		feed    *store.Feed
		cleanup = func() {}
	)
	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, changes from other processes will not show", zap.Error(err))
		feed = store.NewMemoryFeed(logger)
	} else {
		feed = store.NewRedisFeed(client, logger)
		cleanup = func() { client.Close() }
	}

	db, err := store.Open(cfg.DatabasePath, feed, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return db, feed, func() {
		db.Close()
		cleanup()
	}, nil
}

func messageView(db *store.Store, feed *store.Feed, consultationID string) *livesync.Synchronizer[models.Message] {
	return livesync.New[models.Message](db.Messages(), feed, livesync.Options{
		Table:  models.TableMessages,
		Filter: models.MessageFilter(consultationID),
		Parent: db.MessagesParent(consultationID),
		Logger: logger,
	})
}

// watch renders every snapshot of view until ctx ends or the view's parent
// disappears.
func watch[T livesync.Record](ctx context.Context, view *livesync.Synchronizer[T], render func([]T)) error {
	sub, err := view.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer view.Unsubscribe(sub)

	if err := waitReady(ctx, sub); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Updates():
			snap, err := sub.Snapshot()
			if errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("consultation no longer exists")
			}
			render(snap)
		}
	}
}

// waitReady blocks until the first fetch succeeded, reporting retries.
func waitReady[T livesync.Record](ctx context.Context, sub *livesync.Subscription[T]) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sub.Ready():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sub.Err(); err != nil {
				logger.Warn("still loading", zap.Error(err))
			}
		}
	}
}
