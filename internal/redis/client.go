package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vineethgoud568-prog/CureMos/config"
)

const pingTimeout = 5 * time.Second

// Connect initializes a Redis client and verifies the server answers.
// The caller owns the returned client and must Close it.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// PresenceKey is the set of peer ids currently attached to a session topic.
func PresenceKey(sessionID string) string {
	return "consultation:" + sessionID + ":peers"
}

// NotifyTopic is the pub/sub topic carrying notifications for one user.
func NotifyTopic(userID string) string {
	return "notify:" + userID
}

// ChangesTopic is the pub/sub topic carrying change events for one table.
func ChangesTopic(table string) string {
	return "changes:" + table
}
