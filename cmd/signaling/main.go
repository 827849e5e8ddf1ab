package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vineethgoud568-prog/CureMos/config"
	"github.com/vineethgoud568-prog/CureMos/internal/handlers"
	"github.com/vineethgoud568-prog/CureMos/internal/identity"
	"github.com/vineethgoud568-prog/CureMos/internal/logging"
	"github.com/vineethgoud568-prog/CureMos/internal/notify"
	"github.com/vineethgoud568-prog/CureMos/internal/redis"
	"github.com/vineethgoud568-prog/CureMos/internal/signaling"
	"github.com/vineethgoud568-prog/CureMos/internal/store"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		broker   signaling.Broker
		feed     *store.Feed
		presence handlers.Presence
		notifier notify.Notifier = notify.NewLogNotifier(logger)
	)

	// Connect to Redis; outside production a single process may run without it
	client, err := redis.Connect(ctx, cfg.Redis)
	switch {
	case err == nil:
		defer client.Close()
		logger.Info("Redis connection established", zap.String("host", cfg.Redis.Host))
		broker = signaling.NewRedisBroker(client)
		feed = store.NewRedisFeed(client, logger)
		presence = handlers.NewRedisPresence(client)
		notifier = notify.Multi{notifier, notify.NewRedisNotifier(client, logger)}
	case cfg.Environment == "production":
		return err
	default:
		logger.Warn("Redis unavailable, running single process", zap.Error(err))
		broker = signaling.NewMemoryBroker()
		feed = store.NewMemoryFeed(logger)
		presence = handlers.NewMemoryPresence()
	}

	db, err := store.Open(cfg.DatabasePath, feed, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Issuer:         identity.NewIssuer(cfg.JWTSecret, identity.DefaultTTL),
		API:            handlers.NewAPI(db, notifier, logger),
		Relay:          handlers.NewRelay(db, broker, presence, logger),
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting signaling server", zap.String("port", cfg.Port), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
