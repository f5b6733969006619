package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/orbit/internal/protocol"
	"github.com/manpreetbhatti/orbit/internal/room"
)

// Hub owns every live connection and the room registry. All presence and
// code mutations, and every outbound frame, go through the Run goroutine so
// each room sees events in one order.
type Hub struct {
	registry *room.Registry

	// Registered clients by connection id. Run goroutine only.
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client

	// Room events from clients
	inbound chan inbound

	// Frames for every connection in a room
	broadcast chan roomFrame

	// Frames for a single connection
	direct chan directFrame

	// Chat workers started by Run
	workers sync.WaitGroup

	done   chan struct{}
	logger *zap.Logger
}

type inbound struct {
	client *Client
	msg    protocol.Inbound
}

type roomFrame struct {
	room string
	data []byte
}

type directFrame struct {
	client *Client
	data   []byte
}

func NewHub(registry *room.Registry, logger *zap.Logger) *Hub {
	return &Hub{
		registry:   registry,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		broadcast:  make(chan roomFrame, 256),
		direct:     make(chan directFrame, 64),
		done:       make(chan struct{}),
		logger:     logger.Named("hub"),
	}
}

// Run processes events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.clients {
				close(c.send)
				close(c.chat)
			}
			h.clients = make(map[string]*Client)
			h.registry.Reset()
			h.logger.Info("hub stopped")
			return nil

		case client := <-h.register:
			h.clients[client.id] = client
			if client.handler != nil {
				h.workers.Add(1)
				go client.chatWorker()
			}
			h.logger.Debug("client connected",
				zap.String("conn", client.id),
				zap.String("user", client.identity.Username),
				zap.Int("clients", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				h.drop(client)
				h.logger.Debug("client disconnected",
					zap.String("conn", client.id),
					zap.Int("clients", len(h.clients)))
			}

		case ev := <-h.inbound:
			if _, ok := h.clients[ev.client.id]; ok {
				h.handle(ev.client, ev.msg)
			}

		case f := <-h.broadcast:
			h.sendMany(h.registry.Recipients(f.room, ""), f.data)

		case f := <-h.direct:
			if _, ok := h.clients[f.client.id]; ok {
				h.sendTo(f.client, f.data)
			}
		}
	}
}

func (h *Hub) handle(c *Client, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.JoinRoom:
		h.join(c, m.RoomCode)

	case protocol.LeaveRoom:
		h.leave(c, m.RoomCode)

	case protocol.RequestCode:
		h.emit(c, protocol.EventSyncCode, protocol.SyncCode{Code: h.registry.Code(m.RoomCode)})

	case protocol.CodeEdit:
		if !h.registry.IsMember(m.RoomCode, c.id) {
			h.logger.Debug("edit from non-member ignored", zap.String("room", m.RoomCode), zap.String("conn", c.id))
			return
		}
		recipients := h.registry.Apply(m.RoomCode, m.Code, c.id)
		data, err := protocol.Encode(protocol.EventCodeChange, protocol.CodeUpdate{
			Code:      m.Code,
			CursorPos: m.CursorPos,
			Username:  c.identity.Username,
		})
		if err != nil {
			h.logger.Error("encode code change", zap.Error(err))
			return
		}
		h.sendMany(recipients, data)

	case protocol.CursorMove:
		if !h.registry.IsMember(m.RoomCode, c.id) {
			return
		}
		data, err := protocol.Encode(protocol.EventCursorMove, protocol.CursorUpdate{
			Username:  c.identity.Username,
			CursorPos: m.CursorPos,
		})
		if err != nil {
			h.logger.Error("encode cursor", zap.Error(err))
			return
		}
		h.sendMany(h.registry.Recipients(m.RoomCode, c.id), data)

	case protocol.SendMessage:
		if !h.registry.IsMember(m.RoomCode, c.id) {
			h.emit(c, protocol.EventError, protocol.Failure{Message: "Join the room before sending messages"})
			return
		}
		select {
		case c.chat <- m:
		default:
			h.emit(c, protocol.EventError, protocol.Failure{Message: "Too many pending messages"})
		}
	}
}

func (h *Hub) join(c *Client, code string) {
	if c.room != "" && c.room != code {
		h.leave(c, c.room)
	}

	members, buffer, added := h.registry.Join(code, room.Entry{
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		ConnID:   c.id,
	})
	c.room = code

	h.emit(c, protocol.EventSyncCode, protocol.SyncCode{Code: buffer})
	h.broadcastMembers(code, members)

	if added {
		data, err := protocol.Encode(protocol.EventUserJoined, protocol.UserJoined{Username: c.identity.Username})
		if err == nil {
			h.sendMany(h.registry.Recipients(code, c.id), data)
		}
		h.logger.Info("joined room",
			zap.String("room", code),
			zap.String("user", c.identity.Username),
			zap.Int("members", len(members)))
	}
}

func (h *Hub) leave(c *Client, code string) {
	members, removed := h.registry.Leave(code, c.id)
	if c.room == code {
		c.room = ""
	}
	if removed {
		h.broadcastMembers(code, members)
	}
}

// drop unregisters the client, closes its outbound queue and announces its
// departure to every room it was in.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c.id)
	close(c.send)
	close(c.chat)

	for _, d := range h.registry.LeaveAll(c.id) {
		h.broadcastMembers(d.Room, d.Members)
	}
}

func (h *Hub) broadcastMembers(code string, members []room.Entry) {
	list := make([]protocol.Member, 0, len(members))
	for _, e := range members {
		list = append(list, protocol.Member{UserID: e.UserID, Username: e.Username, SocketID: e.ConnID})
	}
	data, err := protocol.Encode(protocol.EventOnlineUsers, list)
	if err != nil {
		h.logger.Error("encode members", zap.Error(err))
		return
	}
	h.sendMany(h.registry.Recipients(code, ""), data)
}

func (h *Hub) emit(c *Client, event protocol.Event, payload any) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("encode", zap.String("event", string(event)), zap.Error(err))
		return
	}
	h.sendTo(c, data)
}

func (h *Hub) sendMany(connIDs []string, data []byte) {
	for _, id := range connIDs {
		if c, ok := h.clients[id]; ok {
			h.sendTo(c, data)
		}
	}
}

// sendTo queues a frame without blocking. A client whose queue is full is
// dropped.
func (h *Hub) sendTo(c *Client, data []byte) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("send queue full, dropping client", zap.String("conn", c.id))
		h.drop(c)
	}
}

// BroadcastRoom delivers an event to every connection in the room. Safe to
// call from any goroutine; a stopped hub discards the frame.
func (h *Hub) BroadcastRoom(code string, event protocol.Event, payload any) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", string(event)), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- roomFrame{room: code, data: data}:
	case <-h.done:
	}
}

// Notify delivers an event to a single client.
func (h *Hub) Notify(c *Client, event protocol.Event, payload any) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return
	}
	select {
	case h.direct <- directFrame{client: c, data: data}:
	case <-h.done:
	}
}

// Wait blocks until every chat worker has drained its queue. Call it after
// Run has returned.
func (h *Hub) Wait() {
	h.workers.Wait()
}

// Code returns the room's live buffer.
func (h *Hub) Code(code string) string {
	return h.registry.Code(code)
}

// ActiveRooms returns member counts per known room.
func (h *Hub) ActiveRooms() map[string]int {
	return h.registry.ActiveRooms()
}

func (h *Hub) submit(c *Client, msg protocol.Inbound) {
	select {
	case h.inbound <- inbound{client: c, msg: msg}:
	case <-h.done:
	}
}

func (h *Hub) connect(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) disconnect(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
