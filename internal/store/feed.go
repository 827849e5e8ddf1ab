package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"github.com/vineethgoud568-prog/CureMos/internal/redis"
	"github.com/vineethgoud568-prog/CureMos/internal/signaling"
	"go.uber.org/zap"
)

// Feed carries change events over a pub/sub broker with one topic per
// table. It is both the store's Publisher and a livesync feed.
type Feed struct {
	broker signaling.Broker
	logger *zap.Logger
}

func NewFeed(broker signaling.Broker, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{broker: broker, logger: logger.Named("feed")}
}

// NewMemoryFeed fans changes out inside one process. A slow subscriber holds
// up writers rather than missing a change.
func NewMemoryFeed(logger *zap.Logger) *Feed {
	return NewFeed(signaling.NewLosslessMemoryBroker(), logger)
}

// NewRedisFeed shares changes between every process attached to client.
func NewRedisFeed(client *goredis.Client, logger *zap.Logger) *Feed {
	return NewFeed(signaling.NewRedisBroker(client), logger)
}

func (f *Feed) Publish(ctx context.Context, ev models.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	return f.broker.Publish(ctx, redis.ChangesTopic(ev.Table), data)
}

// Subscribe returns the live change events of table. The channel is closed
// when cancel is called or the underlying subscription ends.
func (f *Feed) Subscribe(ctx context.Context, table string) (<-chan models.ChangeEvent, func(), error) {
	sub, err := f.broker.Subscribe(ctx, redis.ChangesTopic(table))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan models.ChangeEvent, 64)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case data, ok := <-sub.C():
				if !ok {
					return
				}
				var ev models.ChangeEvent
				if err := json.Unmarshal(data, &ev); err != nil {
					f.logger.Warn("dropping undecodable change", zap.String("table", table), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	return out, cancel, nil
}
