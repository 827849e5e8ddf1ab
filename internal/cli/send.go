package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vineethgoud568-prog/CureMos/internal/livesync"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"github.com/vineethgoud568-prog/CureMos/internal/store"
)

const echoTimeout = 5 * time.Second

var sendCmd = &cobra.Command{
	Use:   "send <consultation-id> <text>...",
	Short: "Send a chat message to a consultation",
	Long: `Send a chat message. The message shows up immediately as "sending"
and is confirmed once the store echoes it back.

Example:
  consult send 1f0c... "ECG attached, please review"`,
	Args: cobra.MinimumNArgs(2),
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

		return sendMessage(cmd.Context(), cmd.OutOrStdout(), db, messageView(db, feed, args[0]),
			args[0], self.UserID, strings.Join(args[1:], " "))
	},
}

// sendMessage shows the message optimistically, stores it and waits for the
// change feed to confirm it.
func sendMessage(ctx context.Context, out io.Writer, db *store.Store, view *livesync.Synchronizer[models.Message], consultationID, senderID, text string) error {
	sub, err := view.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer view.Unsubscribe(sub)
	if err := waitReady(ctx, sub); err != nil {
		return err
	}

	key := uuid.NewString()
	local := models.Message{
		ConsultationID: consultationID,
		SenderID:       senderID,
		Content:        text,
		ClientKey:      key,
		CreatedAt:      time.Now().UTC(),
	}
	if err := sub.AddLocal(local); err != nil {
		return err
	}

	stored, _, err := db.InsertMessage(ctx, consultationID, senderID, models.SendMessageRequest{Content: text, ClientKey: key})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	timeout := time.After(echoTimeout)
	for {
		snap, err := sub.Snapshot()
		if err != nil {
			return err
		}
		if slices.ContainsFunc(snap, func(m models.Message) bool { return m.ID == stored.ID }) {
			renderMessages(out, consultationID, snap)
			return nil
		}

		select {
		case <-sub.Updates():
		case <-timeout:
			// stored but not echoed; the feed is behind
			renderMessages(out, consultationID, snap)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
