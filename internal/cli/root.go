// Package cli implements the consult command: a headless doctor client for
// calls, chat and live consultation views.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vineethgoud568-prog/CureMos/config"
	"github.com/vineethgoud568-prog/CureMos/internal/identity"
	"github.com/vineethgoud568-prog/CureMos/internal/logging"
	"go.uber.org/zap"
)

var (
	cfg    = config.Load()
	logger = zap.NewNop()

	flagServer   string
	flagToken    string
	flagLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "consult",
	Short: "Headless CureMos client for consultation calls and chat",
	Long: `consult joins consultation calls over WebRTC, sends chat messages and
keeps live views of consultations and messages.

Every setting defaults to the same environment variables the server reads;
flags take precedence.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(flagLogLevel, cfg.Environment)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", getEnv("CUREMOS_SERVER", "http://localhost:"+cfg.Port), "signaling server base URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("CUREMOS_TOKEN"), "bearer token (see consult token)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "consultation database file")
	rootCmd.PersistentFlags().StringVar(&cfg.Redis.Host, "redis-host", cfg.Redis.Host, "Redis host for live changes")
	rootCmd.PersistentFlags().StringVar(&cfg.Redis.Port, "redis-port", cfg.Redis.Port, "Redis port")

	rootCmd.AddCommand(callCmd, watchCmd, sendCmd, tokenCmd)
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.ExecuteContext(ctx)
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// caller returns the identity carried by --token.
func caller() (*identity.Claims, error) {
	if flagToken == "" {
		return nil, fmt.Errorf("no token: pass --token or set CUREMOS_TOKEN")
	}
	return identity.Peek(flagToken)
}

// websocketURL maps the server base URL onto its websocket scheme.
func websocketURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://")
	}
	return server
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
