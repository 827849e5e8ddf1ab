package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vineethgoud568-prog/CureMos/internal/negotiation"
	"github.com/vineethgoud568-prog/CureMos/internal/notify"
	"github.com/vineethgoud568-prog/CureMos/internal/peer"
	"github.com/vineethgoud568-prog/CureMos/internal/signaling"
	"go.uber.org/zap"
)

var (
	flagStart    bool
	flagVideo    bool
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
)

var callCmd = &cobra.Command{
	Use:   "call <consultation-id>",
	Short: "Join the call of a consultation",
	Long: `Join the call of a consultation. With --start this side sends the offer;
otherwise it waits for the other doctor to call.

While connected, typed lines are sent as chat over the data channel.
  /mute    toggle the microphone
  /video   toggle the camera
  /hangup  end the call

Examples:
  consult call 1f0c... --start --video
  consult call 1f0c... --relay --turn turn.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.ICE.STUNServer = flagSTUN
		cfg.ICE.TURNServer = flagTURN
		cfg.ICE.TURNUser = flagTURNUser
		cfg.ICE.TURNPass = flagTURNPass
		cfg.ICE.ForceRelay = flagRelay
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runCall(cmd.Context(), args[0], cmd.OutOrStdout(), cmd.InOrStdin())
	},
}

func init() {
	callCmd.Flags().BoolVar(&flagStart, "start", false, "place the call instead of waiting for an offer")
	callCmd.Flags().BoolVar(&flagVideo, "video", false, "send video as well as audio")
	callCmd.Flags().StringVar(&flagSTUN, "stun", cfg.ICE.STUNServer, "STUN server URL")
	callCmd.Flags().StringVar(&flagTURN, "turn", cfg.ICE.TURNServer, "TURN server host")
	callCmd.Flags().StringVar(&flagTURNUser, "turn-user", cfg.ICE.TURNUser, "TURN username")
	callCmd.Flags().StringVar(&flagTURNPass, "turn-pass", cfg.ICE.TURNPass, "TURN password")
	callCmd.Flags().BoolVar(&flagRelay, "relay", cfg.ICE.ForceRelay, "only use TURN relay candidates")
	callCmd.Flags().DurationVar(&cfg.Call.NegotiationTimeout, "timeout", cfg.Call.NegotiationTimeout, "time allowed to connect")
}

func runCall(ctx context.Context, sessionID string, out io.Writer, in io.Reader) error {
	self, err := caller()
	if err != nil {
		return err
	}
	log := logger.With(zap.String("session", sessionID), zap.String("user", self.UserID))

	source := peer.DefaultMediaSource()
	api, err := peer.NewAPI(cfg.ICE, cfg.Call, source)
	if err != nil {
		return err
	}

	broker := signaling.NewWebsocketBroker(websocketURL(flagServer), flagToken)
	channel, err := signaling.NewAdapter(broker, self.UserID, log).OpenRetry(ctx, sessionID, time.Second, 30*time.Second)
	if err != nil {
		return err
	}
	defer channel.Close()

	// the data channel belongs to whichever peer handle is current
	var current atomic.Pointer[peer.Manager]
	session := negotiation.NewSession(negotiation.Options{
		SessionID: sessionID,
		SelfID:    self.UserID,
		Video:     flagVideo,
		Timeout:   cfg.Call.NegotiationTimeout,
		NewPeer: func() negotiation.Peer {
			m := peer.NewManager(api, sessionID, source, log)
			current.Store(m)
			return m
		},
		Channel:  channel,
		Notifier: notify.NewLogNotifier(log),
		Logger:   log,
	})
	defer session.Close()

	changes, unsubscribe := session.Subscribe()
	defer unsubscribe()

	if flagStart {
		fmt.Fprintln(out, "Calling...")
		if err := session.StartCall(ctx); err != nil {
			return fmt.Errorf("start call: %w", err)
		}
	} else {
		fmt.Fprintln(out, "Waiting for the other doctor to call...")
	}

	go readCommands(in, out, session, &current)

	for {
		select {
		case <-ctx.Done():
			session.EndCall()
			<-session.Done()
			return nil

		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			fmt.Fprintf(out, "[%s] %s -> %s\n", time.Now().Format(time.TimeOnly), ch.From, ch.To)
			if ch.Err != nil && !errors.Is(ch.Err, negotiation.ErrCallEnded) {
				fmt.Fprintf(out, "  error: %v\n", ch.Err)
			}

		case ev := <-session.Media():
			printMediaEvent(out, ev)

		case <-session.Done():
			if err := session.Err(); err != nil && !errors.Is(err, negotiation.ErrCallEnded) {
				return err
			}
			fmt.Fprintln(out, "Call ended")
			return nil
		}
	}
}

func printMediaEvent(out io.Writer, ev peer.Event) {
	switch ev.Kind {
	case peer.EventRemoteTrack:
		fmt.Fprintf(out, "Receiving %s (%s)\n", ev.Track.Kind(), ev.Track.Codec().MimeType)
	case peer.EventData:
		switch ev.Data.Type {
		case peer.DataChat:
			var chat peer.ChatPayload
			if err := ev.Data.Decode(&chat); err == nil {
				fmt.Fprintf(out, "> %s\n", chat.Text)
			}
		case peer.DataMediaState:
			var state peer.MediaStatePayload
			if err := ev.Data.Decode(&state); err == nil {
				fmt.Fprintf(out, "Remote audio %s, video %s\n", onOff(state.AudioEnabled), onOff(state.VideoEnabled))
			}
		case peer.DataTyping:
		}
	}
}

// readCommands turns stdin lines into chat messages and call controls.
func readCommands(in io.Reader, out io.Writer, session *negotiation.Session, current *atomic.Pointer[peer.Manager]) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		m := current.Load()
		if line == "/hangup" {
			session.EndCall()
			return
		}
		if m == nil || session.State() != negotiation.Connected {
			fmt.Fprintln(out, "Not connected yet")
			continue
		}

		var err error
		switch line {
		case "/mute":
			var on bool
			if on, err = m.ToggleAudio(); err == nil {
				fmt.Fprintf(out, "Microphone %s\n", onOff(on))
			}
		case "/video":
			var on bool
			if on, err = m.ToggleVideo(); err == nil {
				fmt.Fprintf(out, "Camera %s\n", onOff(on))
			}
		default:
			err = m.SendData(peer.DataChat, peer.ChatPayload{
				Text:      line,
				ClientKey: uuid.NewString(),
				SentAt:    time.Now().UnixMilli(),
			})
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %v\n", err)
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
