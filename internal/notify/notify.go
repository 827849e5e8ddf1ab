// Package notify delivers fire-and-forget notifications to users, such as an
// incoming consultation for doctor B or a call that failed to connect.
package notify

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vineethgoud568-prog/CureMos/internal/redis"
	"go.uber.org/zap"
)

const (
	KindConsultationCreated = "consultation.created"
	KindCallConnected       = "call.connected"
	KindCallFailed          = "call.failed"
	KindCallEnded           = "call.ended"
)

type Event struct {
	Kind      string    `json:"kind"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier never reports failure to the caller; delivery problems are logged.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes every event to the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	n.logger.Info(ev.Kind,
		zap.String("user", ev.UserID),
		zap.String("session", ev.SessionID),
		zap.String("message", ev.Message))
}

// RedisNotifier publishes events as JSON on the recipient's notify topic.
type RedisNotifier struct {
	client *goredis.Client
	logger *zap.Logger
}

func NewRedisNotifier(client *goredis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logger.Named("notify")}
}

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("marshal notification", zap.Error(err))
		return
	}
	if err := n.client.Publish(ctx, redis.NotifyTopic(ev.UserID), data).Err(); err != nil {
		n.logger.Warn("publish notification", zap.String("user", ev.UserID), zap.Error(err))
	}
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
