package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/manpreetbhatti/orbit/internal/auth"
	"github.com/manpreetbhatti/orbit/internal/protocol"
	"github.com/manpreetbhatti/orbit/internal/room"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(room.NewRegistry(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// attach registers a socketless client whose frames stay in its send queue.
func attach(t *testing.T, h *Hub, name string) *Client {
	t.Helper()
	c := &Client{
		hub:      h,
		id:       "conn-" + name,
		identity: auth.Identity{UserID: "user-" + name, Username: name},
		send:     make(chan []byte, 64),
		chat:     make(chan protocol.SendMessage, 4),
	}
	require.True(t, h.connect(c))
	return c
}

func next(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send queue closed")
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no frame received", c.identity.Username)
		return protocol.Envelope{}
	}
}

func expect[T any](t *testing.T, c *Client, event protocol.Event) T {
	t.Helper()
	env := next(t, c)
	require.Equal(t, event, env.Event)
	var payload T
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	return payload
}

func quiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("%s: unexpected frame %s", c.identity.Username, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func join(t *testing.T, h *Hub, c *Client, code string) []protocol.Member {
	t.Helper()
	h.submit(c, protocol.JoinRoom{RoomCode: code})
	expect[protocol.SyncCode](t, c, protocol.EventSyncCode)
	return expect[[]protocol.Member](t, c, protocol.EventOnlineUsers)
}

func usernames(members []protocol.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Username)
	}
	return out
}

func TestJoinBroadcastsPresence(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")
	b := attach(t, h, "bob")

	members := join(t, h, a, "AB12CD")
	assert.Equal(t, []protocol.Member{{UserID: "user-alice", Username: "alice", SocketID: "conn-alice"}}, members)

	members = join(t, h, b, "AB12CD")
	assert.Equal(t, []string{"alice", "bob"}, usernames(members))

	assert.Equal(t, []string{"alice", "bob"}, usernames(expect[[]protocol.Member](t, a, protocol.EventOnlineUsers)))
	assert.Equal(t, "bob", expect[protocol.UserJoined](t, a, protocol.EventUserJoined).Username)
	quiet(t, b)
}

func TestJoinIsIdempotentPerConnection(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")

	join(t, h, a, "AB12CD")
	members := join(t, h, a, "AB12CD")
	assert.Len(t, members, 1)
	quiet(t, a)
}

func TestCodeChangeSkipsSender(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")
	b := attach(t, h, "bob")
	join(t, h, a, "AB12CD")
	join(t, h, b, "AB12CD")
	next(t, a)
	next(t, a)

	pos := 8
	h.submit(a, protocol.CodeEdit{RoomCode: "AB12CD", Code: "print(1)", CursorPos: &pos})

	update := expect[protocol.CodeUpdate](t, b, protocol.EventCodeChange)
	assert.Equal(t, "print(1)", update.Code)
	assert.Equal(t, "alice", update.Username)
	require.NotNil(t, update.CursorPos)
	assert.Equal(t, 8, *update.CursorPos)
	quiet(t, a)

	late := attach(t, h, "carol")
	h.submit(late, protocol.JoinRoom{RoomCode: "AB12CD"})
	assert.Equal(t, "print(1)", expect[protocol.SyncCode](t, late, protocol.EventSyncCode).Code)
}

func TestLastWriteWins(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")
	b := attach(t, h, "bob")
	join(t, h, a, "AB12CD")
	join(t, h, b, "AB12CD")
	next(t, a)
	next(t, a)

	h.submit(a, protocol.CodeEdit{RoomCode: "AB12CD", Code: "first"})
	h.submit(b, protocol.CodeEdit{RoomCode: "AB12CD", Code: "second"})
	expect[protocol.CodeUpdate](t, b, protocol.EventCodeChange)
	expect[protocol.CodeUpdate](t, a, protocol.EventCodeChange)

	h.submit(a, protocol.RequestCode{RoomCode: "AB12CD"})
	assert.Equal(t, "second", expect[protocol.SyncCode](t, a, protocol.EventSyncCode).Code)
}

func TestEditFromNonMemberIgnored(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")
	outsider := attach(t, h, "mallory")
	join(t, h, a, "AB12CD")

	h.submit(outsider, protocol.CodeEdit{RoomCode: "AB12CD", Code: "rm -rf"})
	h.submit(outsider, protocol.CursorMove{RoomCode: "AB12CD", CursorPos: 3})
	h.submit(outsider, protocol.RequestCode{RoomCode: "AB12CD"})

	assert.Equal(t, "", expect[protocol.SyncCode](t, outsider, protocol.EventSyncCode).Code)
	quiet(t, a)
}

func TestRequestCodeUnknownRoom(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")

	h.submit(a, protocol.RequestCode{RoomCode: "NOPE00"})
	assert.Equal(t, "", expect[protocol.SyncCode](t, a, protocol.EventSyncCode).Code)
}

func TestCursorMoveRelayedWithName(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")
	b := attach(t, h, "bob")
	join(t, h, a, "AB12CD")
	join(t, h, b, "AB12CD")
	next(t, a)
	next(t, a)

	h.submit(b, protocol.CursorMove{RoomCode: "AB12CD", CursorPos: 4})
	assert.Equal(t, protocol.CursorUpdate{Username: "bob", CursorPos: 4},
		expect[protocol.CursorUpdate](t, a, protocol.EventCursorMove))
	quiet(t, b)
}

func TestDisconnectBroadcastsPresence(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")
	b := attach(t, h, "bob")
	join(t, h, a, "AB12CD")
	join(t, h, b, "AB12CD")
	next(t, a)
	next(t, a)

	h.disconnect(b)

	assert.Equal(t, []string{"alice"}, usernames(expect[[]protocol.Member](t, a, protocol.EventOnlineUsers)))
	_, open := <-b.send
	assert.False(t, open)
}

func TestLeaveAndSwitchRooms(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")
	b := attach(t, h, "bob")
	join(t, h, a, "ROOM01")
	join(t, h, b, "ROOM01")
	next(t, a)
	next(t, a)

	join(t, h, b, "ROOM02")
	assert.Equal(t, []string{"alice"}, usernames(expect[[]protocol.Member](t, a, protocol.EventOnlineUsers)))

	h.submit(a, protocol.LeaveRoom{RoomCode: "ROOM01"})
	quiet(t, a)
	assert.Equal(t, map[string]int{"ROOM02": 1}, h.ActiveRooms())
}

func TestBroadcastRoomReachesEveryMember(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")
	b := attach(t, h, "bob")
	join(t, h, a, "AB12CD")
	join(t, h, b, "AB12CD")
	next(t, a)
	next(t, a)

	h.BroadcastRoom("AB12CD", protocol.EventOrbitTyping, protocol.Typing{Typing: true})

	assert.True(t, expect[protocol.Typing](t, a, protocol.EventOrbitTyping).Typing)
	assert.True(t, expect[protocol.Typing](t, b, protocol.EventOrbitTyping).Typing)
}

func TestSendMessageRequiresMembership(t *testing.T) {
	h := startHub(t)
	a := attach(t, h, "alice")
	msg := protocol.SendMessage{RoomID: "r1", RoomCode: "AB12CD", Content: "hi"}

	h.submit(a, msg)
	assert.NotEmpty(t, expect[protocol.Failure](t, a, protocol.EventError).Message)

	join(t, h, a, "AB12CD")
	h.submit(a, msg)
	select {
	case got := <-a.chat:
		assert.Equal(t, msg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not queued for chat worker")
	}
}

func TestHubStopClosesClients(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(room.NewRegistry(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	a := attach(t, h, "alice")
	join(t, h, a, "AB12CD")
	cancel()
	<-done

	_, open := <-a.send
	assert.False(t, open)
	assert.Empty(t, h.ActiveRooms())

	h.BroadcastRoom("AB12CD", protocol.EventOrbitTyping, protocol.Typing{})
	assert.False(t, h.connect(&Client{id: "late"}))
}

type gatedChat struct {
	release chan struct{}
	mu      sync.Mutex
	handled []string
}

func (g *gatedChat) Handle(ctx context.Context, sender auth.Identity, msg protocol.SendMessage) error {
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handled = append(g.handled, msg.Content)
	return nil
}

func TestHubStopDrainsQueuedChat(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(room.NewRegistry(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	handler := &gatedChat{release: make(chan struct{})}
	a := &Client{
		hub:      h,
		id:       "conn-alice",
		identity: auth.Identity{UserID: "user-alice", Username: "alice"},
		send:     make(chan []byte, 64),
		chat:     make(chan protocol.SendMessage, 4),
		handler:  handler,
		logger:   zaptest.NewLogger(t),
	}
	require.True(t, h.connect(a))
	join(t, h, a, "AB12CD")

	for _, content := range []string{"one", "two", "three"} {
		h.submit(a, protocol.SendMessage{RoomID: "r1", RoomCode: "AB12CD", Content: content})
	}
	h.submit(a, protocol.RequestCode{RoomCode: "AB12CD"})
	expect[protocol.SyncCode](t, a, protocol.EventSyncCode)

	cancel()
	<-done
	close(handler.release)
	h.Wait()

	assert.Equal(t, []string{"one", "two", "three"}, handler.handled)
}

func TestHandshakeRejected(t *testing.T) {
	verifier := auth.NewVerifier("secret")
	other, err := auth.NewIssuer("other-secret", time.Hour).Issue(auth.Identity{UserID: "u1", Username: "alice"})
	require.NoError(t, err)

	h := startHub(t)
	srv := httptest.NewServer(&Handler{Hub: h, Verifier: verifier, Logger: zaptest.NewLogger(t)})
	defer srv.Close()

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"missing token", srv.URL, "Unauthorized"},
		{"bad signature", srv.URL + "?token=" + other, "Invalid token"},
		{"garbage", srv.URL + "?token=abc", "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(tt.url)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, tt.want+"\n", string(body))
		})
	}
}
