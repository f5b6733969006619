package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/orbit/internal/auth"
	"github.com/manpreetbhatti/orbit/internal/chat"
	"github.com/manpreetbhatti/orbit/internal/protocol"
	"github.com/manpreetbhatti/orbit/internal/ratelimit"
	"github.com/manpreetbhatti/orbit/internal/store"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 50
	messageBurst      = 100
	maxRateViolations = 500
	chatQueueSize     = 16
)

// ChatHandler stores and fans out a chat message on behalf of a session.
type ChatHandler interface {
	Handle(ctx context.Context, sender auth.Identity, msg protocol.SendMessage) error
}

// Handler authenticates the handshake and upgrades it into a hub client.
type Handler struct {
	Hub         *Hub
	Verifier    *auth.Verifier
	Chat        ChatHandler
	CheckOrigin func(r *http.Request) bool
	Logger      *zap.Logger
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	id          string
	identity    auth.Identity
	rateLimiter *ratelimit.Limiter
	chat        chan protocol.SendMessage
	handler     ChatHandler
	logger      *zap.Logger

	// Active room. Run goroutine only.
	room string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.Verifier.Authenticate(r)
	if err != nil {
		h.Logger.Debug("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, auth.RejectionMessage(err), http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:         h.Hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		id:          id,
		identity:    identity,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		chat:        make(chan protocol.SendMessage, chatQueueSize),
		handler:     h.Chat,
		logger:      h.Logger.With(zap.String("conn", id), zap.String("user", identity.Username)),
	}

	if !h.Hub.connect(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ID is the connection id other members see as socketId.
func (c *Client) ID() string { return c.id }

func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		if !c.rateLimiter.Allow() {
			violations++
			if violations%100 == 1 {
				c.logger.Warn("rate limit exceeded", zap.Int("violations", violations))
			}
			if violations > maxRateViolations {
				c.logger.Warn("disconnecting for rate limit violations")
				return
			}
			continue
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Debug("dropping event", zap.Error(err))
			continue
		}

		c.hub.submit(c, msg)
	}
}

// chatWorker persists chat messages in arrival order off the hub goroutine.
// The hub closes c.chat when the client is dropped or the hub stops; queued
// messages are still handled.
func (c *Client) chatWorker() {
	defer c.hub.workers.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for msg := range c.chat {
		if err := c.handler.Handle(ctx, c.identity, msg); err != nil {
			c.logger.Warn("send message failed", zap.String("room", msg.RoomCode), zap.Error(err))
			c.hub.Notify(c, protocol.EventError, protocol.Failure{Message: chatFailure(err)})
		}
	}
}

func chatFailure(err error) string {
	switch {
	case errors.Is(err, store.ErrEmptyMessage):
		return "Message content is required"
	case errors.Is(err, chat.ErrRoomMismatch):
		return "Message does not belong to this room"
	default:
		return "Failed to send message"
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
