// Package signaling relays offer/answer/candidate messages between the two
// peers of a consultation over a per-session broadcast topic.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"go.uber.org/zap"
)

// Handler receives one signaling message. Handlers run on the channel's
// dispatch goroutine, one message at a time, in receipt order.
type Handler func(models.SignalMessage)

// Adapter opens session channels on a Broker on behalf of one local user.
type Adapter struct {
	broker Broker
	selfID string
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewAdapter(broker Broker, selfID string, logger *zap.Logger) *Adapter {
	return &Adapter{
		broker:   broker,
		selfID:   selfID,
		logger:   logger.Named("signaling"),
		channels: make(map[string]*Channel),
	}
}

// Channel is an open subscription to one session topic.
type Channel struct {
	adapter   *Adapter
	sessionID string
	topic     string
	sub       Subscription

	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64

	done      chan struct{}
	closeOnce sync.Once
	lostErr   error
}

// Open subscribes to the topic of sessionID. Opening an already open session
// returns the same Channel.
func (a *Adapter) Open(ctx context.Context, sessionID string) (*Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ch, ok := a.channels[sessionID]; ok {
		return ch, nil
	}

	topic := TopicName(sessionID)
	sub, err := a.broker.Subscribe(ctx, topic)
	if err != nil {
		a.logger.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
		if errors.Is(err, ErrChannelRefused) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	ch := &Channel{
		adapter:   a,
		sessionID: sessionID,
		topic:     topic,
		sub:       sub,
		handlers:  make(map[uint64]Handler),
		done:      make(chan struct{}),
	}
	a.channels[sessionID] = ch
	go ch.dispatchLoop()

	a.logger.Debug("channel open", zap.String("topic", topic))
	return ch, nil
}

// OpenRetry is Open with exponential backoff while the transport is
// unavailable. It gives up when ctx ends or the subscription is refused.
func (a *Adapter) OpenRetry(ctx context.Context, sessionID string, initial, maxDelay time.Duration) (*Channel, error) {
	delay := initial
	for {
		ch, err := a.Open(ctx, sessionID)
		if err == nil || !errors.Is(err, ErrChannelUnavailable) {
			return ch, err
		}

		a.logger.Info("retrying channel open", zap.String("session", sessionID), zap.Duration("in", delay))
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), err)
		case <-time.After(delay):
		}
		delay = min(delay*2, maxDelay)
	}
}

func (c *Channel) SessionID() string { return c.sessionID }
func (c *Channel) Topic() string     { return c.topic }

// Done is closed when the channel is closed or its subscription is lost.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns ErrChannelUnavailable if the subscription dropped underneath
// the channel, nil otherwise.
func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lostErr
}

// Send publishes msg on the session topic, stamping sender and session.
// Delivery is best effort; a closed channel returns ErrChannelClosed.
func (c *Channel) Send(ctx context.Context, msg models.SignalMessage) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	msg.From = c.adapter.selfID
	msg.SessionID = c.sessionID

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if err := c.adapter.broker.Publish(ctx, c.topic, data); err != nil {
		c.adapter.logger.Debug("publish failed",
			zap.String("topic", c.topic), zap.String("type", string(msg.Type)), zap.Error(err))
		return err
	}
	return nil
}

// OnMessage registers h for every message received until the channel closes.
// The returned func unregisters it.
func (c *Channel) OnMessage(h Handler) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close unsubscribes and drops every handler. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.sub.Close()

		c.mu.Lock()
		c.handlers = make(map[uint64]Handler)
		c.mu.Unlock()

		c.adapter.mu.Lock()
		if c.adapter.channels[c.sessionID] == c {
			delete(c.adapter.channels, c.sessionID)
		}
		c.adapter.mu.Unlock()

		c.adapter.logger.Debug("channel closed", zap.String("topic", c.topic))
	})
	return err
}

func (c *Channel) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.sub.C():
			if !ok {
				select {
				case <-c.done:
					return
				default:
				}
				c.mu.Lock()
				c.lostErr = ErrChannelUnavailable
				c.mu.Unlock()
				c.adapter.logger.Warn("subscription lost", zap.String("topic", c.topic))
				c.Close()
				return
			}
			c.deliver(data)
		}
	}
}

func (c *Channel) deliver(data []byte) {
	var msg models.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.adapter.logger.Warn("dropping unparseable message", zap.String("topic", c.topic), zap.Error(err))
		return
	}
	// The broker echoes our own publishes back; feeding an offer to
	// ourselves would corrupt negotiation.
	if msg.From == c.adapter.selfID {
		return
	}
	if msg.SessionID != "" && msg.SessionID != c.sessionID {
		c.adapter.logger.Warn("dropping message for foreign session",
			zap.String("topic", c.topic), zap.String("session", msg.SessionID))
		return
	}
	if err := msg.Validate(); err != nil {
		c.adapter.logger.Warn("dropping invalid message", zap.String("topic", c.topic), zap.Error(err))
		return
	}

	c.mu.RLock()
	ids := make([]uint64, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, c.handlers[id])
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		select {
		case <-c.done:
			return
		default:
		}
		h(msg)
	}
}
