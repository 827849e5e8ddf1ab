package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // enough for SDP with many candidates
)

// WebsocketBroker reaches session topics through the signaling server's
// websocket relay instead of talking to Redis directly. One websocket is
// opened per subscribed topic.
type WebsocketBroker struct {
	serverURL string
	token     string

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewWebsocketBroker returns a broker for the relay at serverURL (for example
// ws://localhost:8080). token is a bearer token from /api/auth/login.
func NewWebsocketBroker(serverURL, token string) *WebsocketBroker {
	return &WebsocketBroker{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
		conns:     make(map[string]*wsConn),
	}
}

type wsConn struct {
	broker   *WebsocketBroker
	topic    string
	conn     *websocket.Conn
	incoming chan []byte
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
}

func (b *WebsocketBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sessionID := strings.TrimPrefix(topic, "webrtc:")
	u, err := url.Parse(fmt.Sprintf("%s/ws/signal/%s", b.serverURL, url.PathEscape(sessionID)))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %s", ErrChannelRefused, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrChannelUnavailable, u, err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &wsConn{
		broker:   b,
		topic:    topic,
		conn:     conn,
		incoming: make(chan []byte, 256),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.conns[topic]; ok {
		b.mu.Unlock()
		old.Close()
		b.mu.Lock()
	}
	b.conns[topic] = c
	b.mu.Unlock()

	go c.readPump()
	go c.writePump()
	return c, nil
}

func (b *WebsocketBroker) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	c, ok := b.conns[topic]
	b.mu.Unlock()
	if !ok {
		return ErrChannelClosed
	}

	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump reads messages from the WebSocket connection.
func (c *wsConn) readPump() {
	defer func() {
		close(c.incoming)
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.incoming <- data:
		case <-c.done:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsConn) C() <-chan []byte { return c.incoming }

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.broker.mu.Lock()
		if c.broker.conns[c.topic] == c {
			delete(c.broker.conns, c.topic)
		}
		c.broker.mu.Unlock()
	})
	return nil
}
