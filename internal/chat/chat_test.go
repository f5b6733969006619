package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manpreetbhatti/orbit/internal/assistant"
	"github.com/manpreetbhatti/orbit/internal/auth"
	"github.com/manpreetbhatti/orbit/internal/protocol"
	"github.com/manpreetbhatti/orbit/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*store.User
	rooms    map[string]*store.Room
	messages []store.Message
	failFor  string
}

func newFakeStore(users ...*store.User) *fakeStore {
	s := &fakeStore{
		users: make(map[string]*store.User),
		rooms: map[string]*store.Room{
			"AB12CD": {ID: "r1", Code: "AB12CD"},
			"ZZ99ZZ": {ID: "r2", Code: "ZZ99ZZ"},
		},
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *fakeStore) CreateMessage(ctx context.Context, roomID, senderID, content string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if senderID == s.failFor {
		return nil, errors.New("disk full")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, store.ErrEmptyMessage
	}
	m := store.Message{
		ID:        fmt.Sprintf("m%d", len(s.messages)+1),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Unix(int64(len(s.messages)), 0),
	}
	if u, ok := s.users[senderID]; ok {
		m.SenderName = u.Username
	}
	s.messages = append(s.messages, m)
	return &m, nil
}

func (s *fakeStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].RoomID == roomID {
			out = append(out, s.messages[i])
		}
	}
	return out, nil
}

func (s *fakeStore) FindUserByEmail(ctx context.Context, email string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindRoomByCode(ctx context.Context, code string) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[code], nil
}

func (s *fakeStore) roomMessages(roomID string) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out
}

type staticCode map[string]string

func (c staticCode) Code(room string) string { return c[room] }

type fakeResponder struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (r *fakeResponder) Respond(ctx context.Context, roomContext string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, roomContext)
	return r.reply, r.err
}

func (r *fakeResponder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

type sent struct {
	room    string
	event   protocol.Event
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) BroadcastRoom(room string, event protocol.Event, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{room, event, payload})
}

func (r *recorder) messages() []protocol.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.ChatMessage
	for _, e := range r.events {
		if e.event == protocol.EventReceiveMessage {
			out = append(out, e.payload.(protocol.ChatMessage))
		}
	}
	return out
}

func (r *recorder) names() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Event
	for _, e := range r.events {
		out = append(out, e.event)
	}
	return out
}

var (
	alice = &store.User{ID: "u1", Username: "alice", Email: "alice@example.com"}
	orbit = &store.User{ID: "ai", Username: "Orbit", Email: "orbit@ai.dev"}
)

type fixture struct {
	store *fakeStore
	ai    *fakeResponder
	out   *recorder
	p     *Pipeline
}

func newFixture(t *testing.T, users ...*store.User) *fixture {
	t.Helper()
	f := &fixture{
		store: newFakeStore(users...),
		ai:    &fakeResponder{reply: "Check the scope."},
		out:   &recorder{},
	}
	code := staticCode{"AB12CD": "print(x)"}
	f.p = NewPipeline(Config{}, f.store, f.store, code, f.ai, f.out, zaptest.NewLogger(t))
	return f
}

func send(content string) protocol.SendMessage {
	return protocol.SendMessage{RoomID: "r1", RoomCode: "AB12CD", Content: content}
}

func TestHandleWithoutTrigger(t *testing.T) {
	f := newFixture(t, alice, orbit)

	require.NoError(t, f.p.Handle(context.Background(), auth.Identity{UserID: "u1", Username: "alice"}, send("hello")))
	f.p.Wait()

	msgs := f.out.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "alice", msgs[0].SenderName)
	assert.Empty(t, f.ai.calls())
}

func TestHandleTriggersReply(t *testing.T) {
	f := newFixture(t, alice, orbit)

	require.NoError(t, f.p.Handle(context.Background(), auth.Identity{UserID: "u1", Username: "alice"}, send("why is this undefined")))
	f.p.Wait()

	msgs := f.out.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "why is this undefined", msgs[0].Content)
	assert.Equal(t, "ai", msgs[1].SenderID)
	assert.Equal(t, "Orbit", msgs[1].SenderName)
	assert.Equal(t, "Check the scope.", msgs[1].Content)

	assert.Equal(t, []protocol.Event{
		protocol.EventReceiveMessage,
		protocol.EventOrbitTyping,
		protocol.EventOrbitTyping,
		protocol.EventReceiveMessage,
	}, f.out.names())

	prompts := f.ai.calls()
	require.Len(t, prompts, 1)
	assert.Equal(t, "Current Code:\nprint(x)\n\nConversation:\nalice: why is this undefined", prompts[0])
}

func TestHandleFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		want  string
	}{
		{"rate limited", "", assistant.ErrRateLimited, FallbackBusy},
		{"unavailable", "", fmt.Errorf("%w: 500", assistant.ErrUnavailable), FallbackUnavailable},
		{"not configured", "", assistant.ErrNotConfigured, FallbackUnavailable},
		{"empty", "   ", nil, FallbackEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, alice, orbit)
			f.ai.reply, f.ai.err = tt.reply, tt.err

			require.NoError(t, f.p.Handle(context.Background(), auth.Identity{UserID: "u1", Username: "alice"}, send("it crashed")))
			f.p.Wait()

			msgs := f.out.messages()
			require.Len(t, msgs, 2)
			assert.Equal(t, tt.want, msgs[1].Content)
		})
	}
}

func TestHandleSelfGuard(t *testing.T) {
	f := newFixture(t, alice, orbit)

	require.NoError(t, f.p.Handle(context.Background(), auth.Identity{UserID: "ai", Username: "Orbit"}, send("this bug is fixed")))
	f.p.Wait()

	assert.Len(t, f.out.messages(), 1)
	assert.Empty(t, f.ai.calls())
}

func TestHandleMissingAIUser(t *testing.T) {
	f := newFixture(t, alice)

	require.NoError(t, f.p.Handle(context.Background(), auth.Identity{UserID: "u1", Username: "alice"}, send("@orbit help")))
	f.p.Wait()

	assert.Len(t, f.out.messages(), 1)
	assert.Empty(t, f.ai.calls())
}

func TestHandlePersistenceFailure(t *testing.T) {
	f := newFixture(t, alice, orbit)
	f.store.failFor = "u1"

	err := f.p.Handle(context.Background(), auth.Identity{UserID: "u1", Username: "alice"}, send("why"))
	require.ErrorIs(t, err, ErrPersist)
	f.p.Wait()

	assert.Empty(t, f.out.names())
	assert.Empty(t, f.ai.calls())
}

func TestHandleReplyPersistenceFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t, alice, orbit)
	f.store.failFor = "ai"

	require.NoError(t, f.p.Handle(context.Background(), auth.Identity{UserID: "u1", Username: "alice"}, send("why")))
	f.p.Wait()

	msgs := f.out.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "why", msgs[0].Content)
}

func TestHandleRejectsEmptyAndMissingRoom(t *testing.T) {
	f := newFixture(t, alice, orbit)
	id := auth.Identity{UserID: "u1", Username: "alice"}

	err := f.p.Handle(context.Background(), id, protocol.SendMessage{RoomCode: "AB12CD", Content: "hi"})
	assert.ErrorIs(t, err, ErrMissingRoomID)

	err = f.p.Handle(context.Background(), id, send("   "))
	assert.ErrorIs(t, err, store.ErrEmptyMessage)
	assert.Empty(t, f.out.names())
}

func TestHandleRejectsRoomOutsideJoinedCode(t *testing.T) {
	f := newFixture(t, alice, orbit)
	id := auth.Identity{UserID: "u1", Username: "alice"}

	err := f.p.Handle(context.Background(), id, protocol.SendMessage{RoomID: "r2", RoomCode: "AB12CD", Content: "planted, why?"})
	assert.ErrorIs(t, err, ErrRoomMismatch)

	err = f.p.Handle(context.Background(), id, protocol.SendMessage{RoomID: "r2", RoomCode: "QQQQQQ", Content: "planted"})
	assert.ErrorIs(t, err, ErrRoomMismatch)
	f.p.Wait()

	assert.Empty(t, f.store.roomMessages("r2"))
	assert.Empty(t, f.out.names())
	assert.Empty(t, f.ai.calls())
}

func TestCloseWaitsForRepliesAndRefusesNewMessages(t *testing.T) {
	f := newFixture(t, alice, orbit)
	id := auth.Identity{UserID: "u1", Username: "alice"}

	require.NoError(t, f.p.Handle(context.Background(), id, send("why?")))
	f.p.Close()
	require.Len(t, f.out.messages(), 2)

	err := f.p.Handle(context.Background(), id, send("still there, why?"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Len(t, f.store.roomMessages("r1"), 2)
	assert.Len(t, f.ai.calls(), 1)
}

func TestHandleUsesRecentHistoryInOrder(t *testing.T) {
	f := newFixture(t, alice, orbit)
	id := auth.Identity{UserID: "u1", Username: "alice"}
	for i := range 12 {
		require.NoError(t, f.p.Handle(context.Background(), id, send(fmt.Sprintf("note %d", i))))
	}
	require.NoError(t, f.p.Handle(context.Background(), id, send("how?")))
	f.p.Wait()

	prompts := f.ai.calls()
	require.Len(t, prompts, 1)
	assert.NotContains(t, prompts[0], "note 2\n")
	assert.Contains(t, prompts[0], "alice: note 3\nalice: note 4")
	assert.True(t, strings.HasSuffix(prompts[0], "alice: note 11\nalice: how?"))
}

func TestShouldTrigger(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"hello there", false},
		{"Why is this UNDEFINED", true},
		{"it is NOT WORKING", true},
		{"ping @Orbit", true},
		{"nullable", true},
		{"shower thoughts", true},
		{"looks good", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldTrigger(tt.content, DefaultKeywords), tt.content)
	}
}

func TestBuildContext(t *testing.T) {
	t.Run("fits", func(t *testing.T) {
		got := BuildContext("x := 1", []string{"a: hi", "b: why"}, 1000)
		assert.Equal(t, "Current Code:\nx := 1\n\nConversation:\na: hi\nb: why", got)
	})

	t.Run("drops oldest lines first", func(t *testing.T) {
		lines := []string{"a: one", "b: two", "c: three"}
		full := BuildContext("code", lines, 0)
		got := BuildContext("code", lines, len(full)-1)
		assert.Equal(t, "Current Code:\ncode\n\nConversation:\nb: two\nc: three", got)
	})

	t.Run("then truncates code", func(t *testing.T) {
		fixed := len("Current Code:\n\n\nConversation:\nc: why")
		got := BuildContext(strings.Repeat("x", 100), []string{"a: old", "c: why"}, fixed+10)
		assert.Equal(t, "Current Code:\n"+strings.Repeat("x", 10)+"\n\nConversation:\nc: why", got)
	})

	t.Run("never exceeds budget", func(t *testing.T) {
		got := BuildContext("code", []string{strings.Repeat("é", 100)}, 40)
		assert.LessOrEqual(t, len(got), 40)
		assert.True(t, utf8.ValidString(got))
	})

	t.Run("keeps the end of an oversized newest line", func(t *testing.T) {
		newest := "bob: " + strings.Repeat("x", 200) + " why is this undefined"
		got := BuildContext("code", []string{"a: old", newest}, 60)
		assert.LessOrEqual(t, len(got), 60)
		assert.True(t, strings.HasPrefix(got, "Current Code:\n\n\nConversation:\n"))
		assert.True(t, strings.HasSuffix(got, " why is this undefined"))
	})
}
