package signaling

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrChannelUnavailable means the transport could not subscribe or
	// publish. Callers may retry with backoff.
	ErrChannelUnavailable = errors.New("signaling channel unavailable")
	ErrChannelClosed      = errors.New("signaling channel closed")
	// ErrChannelRefused means the relay rejected the subscription, for
	// example because the caller is not a participant.
	ErrChannelRefused     = errors.New("signaling channel refused")
)

// Broker is the pub/sub transport underneath session channels.
type Broker interface {
	// Subscribe starts delivery of every payload published on topic. It
	// returns only once the subscription is live.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
}

// Subscription delivers raw payloads in publish order for a single sender.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// TopicName maps a consultation session id to its broadcast topic.
func TopicName(sessionID string) string {
	return "webrtc:" + sessionID
}

// MemoryBroker is an in-process Broker used by tests and single-process
// deployments.
type MemoryBroker struct {
	mu       sync.RWMutex
	topics   map[string]map[*memorySub]struct{}
	lossless bool
}

// NewMemoryBroker returns a best-effort broker: a subscriber whose buffer is
// full misses the payload.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]map[*memorySub]struct{})}
}

// NewLosslessMemoryBroker returns a broker whose Publish waits for a slow
// subscriber until ctx ends instead of dropping the payload.
func NewLosslessMemoryBroker() *MemoryBroker {
	b := NewMemoryBroker()
	b.lossless = true
	return b
}

type memorySub struct {
	broker *MemoryBroker
	topic  string
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrChannelUnavailable, err)
	}
	sub := &memorySub{broker: b, topic: topic, ch: make(chan []byte, 256), done: make(chan struct{})}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*memorySub]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.topics[topic] {
		payload := make([]byte, len(data))
		copy(payload, data)
		if b.lossless {
			select {
			case sub.ch <- payload:
			case <-sub.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case sub.ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// subscriber buffer full; signaling is best effort
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (s *memorySub) C() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		// release a lossless Publish blocked on this subscriber first
		close(s.done)
		s.broker.mu.Lock()
		if subs, ok := s.broker.topics[s.topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.broker.topics, s.topic)
			}
		}
		close(s.ch)
		s.broker.mu.Unlock()
	})
	return nil
}
