package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vineethgoud568-prog/CureMos/internal/middleware"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"github.com/vineethgoud568-prog/CureMos/internal/signaling"
	"github.com/vineethgoud568-prog/CureMos/internal/store"
	"go.uber.org/zap"
)

const (
	// MaxSessionPeers is the number of live peers a consultation call admits.
	MaxSessionPeers = 2

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	publishTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Relay bridges browser and CLI websockets to the session topics on the
// broker, so peers attached to different server instances can negotiate.
type Relay struct {
	store    *store.Store
	broker   signaling.Broker
	presence Presence
	logger   *zap.Logger
}

func NewRelay(s *store.Store, broker signaling.Broker, presence Presence, logger *zap.Logger) *Relay {
	return &Relay{store: s, broker: broker, presence: presence, logger: logger.Named("relay")}
}

// Client represents a WebSocket client connection
type Client struct {
	ID        string
	UserID    string
	SessionID string
	Conn      *websocket.Conn
	sub       signaling.Subscription
	relay     *Relay
	logger    *zap.Logger
}

// HandleSignaling upgrades a consultation participant to the session relay.
func (r *Relay) HandleSignaling(c *gin.Context) {
	sessionID := c.Param("sessionId")
	userID, _, _ := middleware.Caller(c)

	consultation, err := r.store.GetConsultation(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !consultation.IsParticipant(userID) {
		respondError(c, store.ErrNotParticipant)
		return
	}
	if consultation.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "Consultation is closed"})
		return
	}

	peerID := uuid.New().String()
	admitted, err := r.presence.Join(c.Request.Context(), sessionID, peerID, MaxSessionPeers)
	if err != nil {
		r.logger.Error("presence join failed", zap.String("session", sessionID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling unavailable"})
		return
	}
	if !admitted {
		c.JSON(http.StatusConflict, gin.H{"error": "Session is full"})
		return
	}

	sub, err := r.broker.Subscribe(c.Request.Context(), signaling.TopicName(sessionID))
	if err != nil {
		r.presence.Leave(context.WithoutCancel(c.Request.Context()), sessionID, peerID)
		r.logger.Error("subscribe failed", zap.String("session", sessionID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		r.presence.Leave(context.WithoutCancel(c.Request.Context()), sessionID, peerID)
		r.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:        peerID,
		UserID:    userID,
		SessionID: sessionID,
		Conn:      conn,
		sub:       sub,
		relay:     r,
		logger:    r.logger.With(zap.String("session", sessionID), zap.String("user", userID), zap.String("peer", peerID)),
	}
	client.logger.Info("peer joined")
	client.publish(models.SignalMessage{Type: models.SignalTypeJoin})

	go client.writePump()
	go client.readPump()
}

// publish stamps msg with the client's identity and sends it to the topic.
func (c *Client) publish(msg models.SignalMessage) {
	msg.From = c.UserID
	msg.SessionID = c.SessionID
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal message", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.relay.broker.Publish(ctx, signaling.TopicName(c.SessionID), data); err != nil {
		c.logger.Warn("publish failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.sub.Close()
		c.Conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := c.relay.presence.Leave(ctx, c.SessionID, c.ID); err != nil {
			c.logger.Warn("presence leave failed", zap.Error(err))
		}

		// Notify the other peer
		c.publish(models.SignalMessage{Type: models.SignalTypeLeave})
		c.logger.Info("peer left")
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket error", zap.Error(err))
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("dropping unparsable message", zap.Error(err))
			continue
		}
		if err := msg.Validate(); err != nil {
			c.logger.Debug("dropping invalid message", zap.Error(err))
			continue
		}

		// Route message based on type
		switch msg.Type {
		case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate,
			models.SignalTypeHangup, models.SignalTypeError:
			c.publish(msg)
		default:
			c.logger.Debug("ignoring client message", zap.String("type", string(msg.Type)))
		}
	}
}

// writePump forwards topic traffic from the other peer and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.sub.C():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			var head struct {
				From string `json:"from"`
			}
			if err := json.Unmarshal(data, &head); err == nil && head.From == c.UserID {
				continue
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
