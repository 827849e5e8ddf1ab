package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker carries session topics over Redis pub/sub so that peers
// attached to different server instances still share one topic.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, topic)

	// Receive blocks until the server confirms the subscription, so a dead
	// server surfaces here rather than as a silent empty channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrChannelUnavailable, topic, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrChannelUnavailable, topic, err)
	}
	return nil
}

func (s *redisSub) pump() {
	defer close(s.ch)
	msgs := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) C() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
