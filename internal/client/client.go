// Package client is a Go room client. It keeps a local copy of the shared
// buffer and remaps the local selection and peer cursors whenever a remote
// edit replaces it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/orbit/internal/cursor"
	"github.com/manpreetbhatti/orbit/internal/protocol"
)

const (
	writeWait   = 10 * time.Second
	eventBuffer = 256
)

var (
	ErrClosed    = errors.New("client: session closed")
	ErrNoRoom    = errors.New("client: not in a room")
	ErrHandshake = errors.New("client: handshake refused")
)

// HandshakeError reports a server refusal before the upgrade.
type HandshakeError struct {
	Status  int
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("client: handshake refused (%d): %s", e.Status, e.Message)
}

func (e *HandshakeError) Unwrap() error { return ErrHandshake }

type Session struct {
	conn   *websocket.Conn
	events chan protocol.Envelope
	done   chan struct{}

	writeMu sync.Mutex

	mu   sync.Mutex
	view *cursor.View
	room string

	closeOnce sync.Once
}

// Dial connects to the socket endpoint at url, presenting token as a bearer
// credential.
func Dial(ctx context.Context, url, token string) (*Session, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return nil, &HandshakeError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan protocol.Envelope, eventBuffer),
		done:   make(chan struct{}),
		view:   cursor.NewView(""),
	}
	go s.readLoop()
	return s, nil
}

// Events delivers every frame from the server after the local view has been
// updated for it. The channel closes when the connection ends.
func (s *Session) Events() <-chan protocol.Envelope {
	return s.events
}

func (s *Session) Join(roomCode string) error {
	code := protocol.NormalizeRoom(roomCode)
	s.mu.Lock()
	s.room = code
	s.mu.Unlock()
	return s.writeRoomArg(protocol.EventJoinRoom, code)
}

func (s *Session) Leave() error {
	s.mu.Lock()
	code := s.room
	s.room = ""
	s.view = cursor.NewView("")
	s.mu.Unlock()

	if code == "" {
		return ErrNoRoom
	}
	return s.writeRoomArg(protocol.EventLeaveRoom, code)
}

func (s *Session) RequestCode() error {
	code, err := s.activeRoom()
	if err != nil {
		return err
	}
	return s.writeRoomArg(protocol.EventRequestCode, code)
}

// Edit replaces the local buffer, places the caret, and publishes both.
func (s *Session) Edit(text string, caret int) error {
	s.mu.Lock()
	code := s.room
	if code == "" {
		s.mu.Unlock()
		return ErrNoRoom
	}
	s.view.Edit(text, caret)
	pos := s.view.Selection().Start
	s.mu.Unlock()

	return s.write(protocol.EventCodeChange, protocol.CodeEdit{RoomCode: code, Code: text, CursorPos: &pos})
}

// MoveCursor selects [start, end] locally and publishes the caret at start.
func (s *Session) MoveCursor(start, end int) error {
	s.mu.Lock()
	code := s.room
	if code == "" {
		s.mu.Unlock()
		return ErrNoRoom
	}
	s.view.Select(start, end)
	pos := s.view.Selection().Start
	s.mu.Unlock()

	return s.write(protocol.EventCursorMove, protocol.CursorMove{RoomCode: code, CursorPos: pos})
}

func (s *Session) SendMessage(roomID, content string) error {
	code, err := s.activeRoom()
	if err != nil {
		return err
	}
	return s.write(protocol.EventSendMessage, protocol.SendMessage{RoomID: roomID, RoomCode: code, Content: content})
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Text()
}

func (s *Session) Selection() cursor.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Selection()
}

func (s *Session) Markers() []cursor.Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Markers()
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Session) activeRoom() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" {
		return "", ErrNoRoom
	}
	return s.room, nil
}

func (s *Session) writeRoomArg(event protocol.Event, code string) error {
	data, err := protocol.EncodeRoomArg(event, code)
	if err != nil {
		return err
	}
	return s.writeFrame(data)
}

func (s *Session) write(event protocol.Event, payload any) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return s.writeFrame(data)
}

func (s *Session) writeFrame(data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) readLoop() {
	defer close(s.events)

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}
		s.apply(env)

		select {
		case s.events <- env:
		case <-s.done:
			return
		}
	}
}

// apply folds a server event into the local view.
func (s *Session) apply(env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Event {
	case protocol.EventSyncCode:
		var p protocol.SyncCode
		if json.Unmarshal(env.Data, &p) == nil {
			s.view.Replace(p.Code)
		}

	case protocol.EventCodeChange:
		var p protocol.CodeUpdate
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.view.Replace(p.Code)
		if p.Username != "" && p.CursorPos != nil {
			s.view.Track(p.Username, *p.CursorPos)
		}

	case protocol.EventCursorMove:
		var p protocol.CursorUpdate
		if json.Unmarshal(env.Data, &p) == nil {
			s.view.Track(p.Username, p.CursorPos)
		}

	case protocol.EventOnlineUsers:
		var members []protocol.Member
		if json.Unmarshal(env.Data, &members) != nil {
			return
		}
		present := make(map[string]bool, len(members))
		for _, m := range members {
			present[m.Username] = true
		}
		for _, marker := range s.view.Markers() {
			if !present[marker.Name] {
				s.view.Forget(marker.Name)
			}
		}
	}
}
