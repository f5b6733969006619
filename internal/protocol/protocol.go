// Package protocol defines the socket events exchanged between room clients
// and the server. Every frame is a JSON envelope {"event": ..., "data": ...};
// each event name maps to exactly one typed payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Event names a socket event
type Event string

// Client to server
const (
	EventJoinRoom    Event = "join_room"
	EventLeaveRoom   Event = "leave_room"
	EventCodeChange  Event = "code_change"
	EventCursorMove  Event = "cursor_move"
	EventRequestCode Event = "request_code"
	EventSendMessage Event = "send_message"
)

// Server to client. code_change and cursor_move are relayed under the same
// names they arrive with.
const (
	EventSyncCode       Event = "sync_code"
	EventOnlineUsers    Event = "online_users"
	EventUserJoined     Event = "user_joined"
	EventReceiveMessage Event = "receive_message"
	EventOrbitTyping    Event = "orbit_typing"
	EventError          Event = "error"
)

var (
	ErrMalformed    = errors.New("malformed event")
	ErrUnknownEvent = errors.New("unknown event")
	ErrMissingRoom  = errors.New("room code is required")
)

type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is implemented by every client to server payload.
type Inbound interface {
	Name() Event
	Room() string
}

type JoinRoom struct{ RoomCode string }

type LeaveRoom struct{ RoomCode string }

type RequestCode struct{ RoomCode string }

// CodeEdit replaces the room buffer. CursorPos is optional; when present the
// server relays it tagged with the sender's authenticated name.
type CodeEdit struct {
	RoomCode  string `json:"roomCode"`
	Code      string `json:"code"`
	CursorPos *int   `json:"cursorPos,omitempty"`
}

type CursorMove struct {
	RoomCode  string `json:"roomCode"`
	CursorPos int    `json:"cursorPos"`
}

type SendMessage struct {
	RoomID   string `json:"roomId"`
	RoomCode string `json:"roomCode"`
	Content  string `json:"content"`
}

func (JoinRoom) Name() Event    { return EventJoinRoom }
func (LeaveRoom) Name() Event   { return EventLeaveRoom }
func (RequestCode) Name() Event { return EventRequestCode }
func (CodeEdit) Name() Event    { return EventCodeChange }
func (CursorMove) Name() Event  { return EventCursorMove }
func (SendMessage) Name() Event { return EventSendMessage }

func (m JoinRoom) Room() string    { return m.RoomCode }
func (m LeaveRoom) Room() string   { return m.RoomCode }
func (m RequestCode) Room() string { return m.RoomCode }
func (m CodeEdit) Room() string    { return m.RoomCode }
func (m CursorMove) Room() string  { return m.RoomCode }
func (m SendMessage) Room() string { return m.RoomCode }

// Outbound payloads

type SyncCode struct {
	Code string `json:"code"`
}

type CodeUpdate struct {
	Code      string `json:"code"`
	CursorPos *int   `json:"cursorPos,omitempty"`
	Username  string `json:"username,omitempty"`
}

type CursorUpdate struct {
	Username  string `json:"username"`
	CursorPos int    `json:"cursorPos"`
}

type Member struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	SocketID string `json:"socketId"`
}

type UserJoined struct {
	Username string `json:"username"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Typing struct {
	Typing bool `json:"typing"`
}

type Failure struct {
	Message string `json:"message"`
}

// NormalizeRoom upper-cases and trims a room code.
func NormalizeRoom(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Decode parses a client frame into its typed payload.
func Decode(frame []byte) (Inbound, error) {
	if !gjson.ValidBytes(frame) {
		return nil, ErrMalformed
	}
	name := Event(gjson.GetBytes(frame, "event").String())
	data := gjson.GetBytes(frame, "data")

	var msg Inbound
	switch name {
	case EventJoinRoom:
		msg = JoinRoom{RoomCode: roomArg(data)}
	case EventLeaveRoom:
		msg = LeaveRoom{RoomCode: roomArg(data)}
	case EventRequestCode:
		msg = RequestCode{RoomCode: roomArg(data)}
	case EventCodeChange:
		var m CodeEdit
		if err := unmarshalData(data, &m); err != nil {
			return nil, err
		}
		m.RoomCode = NormalizeRoom(m.RoomCode)
		msg = m
	case EventCursorMove:
		var m CursorMove
		if err := unmarshalData(data, &m); err != nil {
			return nil, err
		}
		m.RoomCode = NormalizeRoom(m.RoomCode)
		msg = m
	case EventSendMessage:
		var m SendMessage
		if err := unmarshalData(data, &m); err != nil {
			return nil, err
		}
		m.RoomCode = NormalizeRoom(m.RoomCode)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	if msg.Room() == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingRoom)
	}
	return msg, nil
}

// roomArg accepts either a bare room code string or {"roomCode": "..."}.
func roomArg(data gjson.Result) string {
	if data.Type == gjson.String {
		return NormalizeRoom(data.String())
	}
	return NormalizeRoom(data.Get("roomCode").String())
}

func unmarshalData(data gjson.Result, v any) error {
	if !data.IsObject() {
		return ErrMalformed
	}
	if err := json.Unmarshal([]byte(data.Raw), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode wraps a payload in an envelope.
func Encode(event Event, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// EncodeRoomArg builds the bare-string form used by join_room, leave_room and
// request_code.
func EncodeRoomArg(event Event, roomCode string) ([]byte, error) {
	return Encode(event, roomCode)
}
