// Package chat persists room messages, fans them out, and decides when the
// AI participant should answer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/orbit/internal/assistant"
	"github.com/manpreetbhatti/orbit/internal/auth"
	"github.com/manpreetbhatti/orbit/internal/protocol"
	"github.com/manpreetbhatti/orbit/internal/store"
)

const (
	FallbackBusy        = "Orbit is busy right now, try again in a moment."
	FallbackUnavailable = "Orbit is currently unavailable."
	FallbackEmpty       = "Orbit has no response."
	unknownSender       = "Unknown"
)

// DefaultKeywords trigger an AI reply when any appears in a message.
var DefaultKeywords = []string{
	"error", "bug", "issue", "undefined", "null", "not working", "exception",
	"stacktrace", "crash", "fails", "problem", "how", "why", "@orbit",
}

var (
	ErrMissingRoomID = errors.New("chat: room id is required")
	ErrRoomMismatch  = errors.New("chat: room id does not match room code")
	ErrPersist       = errors.New("chat: failed to store message")
	ErrClosed        = errors.New("chat: pipeline closed")
)

type MessageStore interface {
	CreateMessage(ctx context.Context, roomID, senderID, content string) (*store.Message, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error)
}

// Directory resolves the AI identity and the persisted room behind a code.
type Directory interface {
	FindUserByEmail(ctx context.Context, email string) (*store.User, error)
	FindRoomByCode(ctx context.Context, code string) (*store.Room, error)
}

// CodeSource reads the live room buffer.
type CodeSource interface {
	Code(roomCode string) string
}

type Responder interface {
	Respond(ctx context.Context, roomContext string) (string, error)
}

type Broadcaster interface {
	BroadcastRoom(roomCode string, event protocol.Event, payload any)
}

type Config struct {
	AIName        string
	AIEmail       string
	Keywords      []string
	HistoryLimit  int
	ContextBudget int
	Timeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.AIName == "" {
		c.AIName = "Orbit"
	}
	if c.AIEmail == "" {
		c.AIEmail = "orbit@ai.dev"
	}
	if len(c.Keywords) == 0 {
		c.Keywords = DefaultKeywords
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 16 << 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
}

type Pipeline struct {
	cfg      Config
	messages MessageStore
	dir      Directory
	code     CodeSource
	ai       Responder
	out      Broadcaster
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPipeline(cfg Config, messages MessageStore, dir Directory, code CodeSource, ai Responder, out Broadcaster, logger *zap.Logger) *Pipeline {
	cfg.applyDefaults()
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	cfg.Keywords = keywords

	return &Pipeline{
		cfg:      cfg,
		messages: messages,
		dir:      dir,
		code:     code,
		ai:       ai,
		out:      out,
		logger:   logger.Named("chat"),
	}
}

// Handle stores and fans out one user message. When the message calls for
// the AI participant, the reply is produced in the background; Handle does
// not wait for it. The room id must name the persisted room behind the
// room code the sender joined. Only failures before fan-out are returned.
func (p *Pipeline) Handle(ctx context.Context, sender auth.Identity, msg protocol.SendMessage) error {
	if p.isClosed() {
		return ErrClosed
	}
	if strings.TrimSpace(msg.RoomID) == "" {
		return ErrMissingRoomID
	}

	room, err := p.dir.FindRoomByCode(ctx, msg.RoomCode)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if room == nil || room.ID != msg.RoomID {
		return ErrRoomMismatch
	}

	stored, err := p.messages.CreateMessage(ctx, msg.RoomID, sender.UserID, msg.Content)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if stored.SenderName == "" {
		stored.SenderName = sender.Username
	}
	p.out.BroadcastRoom(msg.RoomCode, protocol.EventReceiveMessage, Payload(stored))

	if sender.Username == p.cfg.AIName {
		return nil
	}
	if !ShouldTrigger(stored.Content, p.cfg.Keywords) {
		return nil
	}

	if !p.track() {
		p.logger.Debug("pipeline closed, skipping reply", zap.String("room", msg.RoomCode))
		return nil
	}
	go func() {
		defer p.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
		defer cancel()
		p.reply(bg, sender, msg)
	}()
	return nil
}

func (p *Pipeline) reply(ctx context.Context, sender auth.Identity, msg protocol.SendMessage) {
	log := p.logger.With(zap.String("room", msg.RoomCode), zap.String("room_id", msg.RoomID))

	ai, err := p.dir.FindUserByEmail(ctx, p.cfg.AIEmail)
	if err != nil {
		log.Error("resolve ai user", zap.Error(err))
		return
	}
	if ai == nil || ai.ID == sender.UserID {
		return
	}

	recent, err := p.messages.RecentMessages(ctx, msg.RoomID, p.cfg.HistoryLimit)
	if err != nil {
		log.Error("load history", zap.Error(err))
		return
	}
	slices.Reverse(recent)
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		name := m.SenderName
		if name == "" {
			name = unknownSender
		}
		lines = append(lines, name+": "+m.Content)
	}
	roomContext := BuildContext(p.code.Code(msg.RoomCode), lines, p.cfg.ContextBudget)

	p.out.BroadcastRoom(msg.RoomCode, protocol.EventOrbitTyping, protocol.Typing{Typing: true})
	text, err := p.ai.Respond(ctx, roomContext)
	p.out.BroadcastRoom(msg.RoomCode, protocol.EventOrbitTyping, protocol.Typing{Typing: false})
	if err != nil {
		log.Warn("ai completion failed", zap.Error(err))
		text = Fallback(err)
	} else if strings.TrimSpace(text) == "" {
		text = FallbackEmpty
	}

	stored, err := p.messages.CreateMessage(ctx, msg.RoomID, ai.ID, text)
	if err != nil {
		log.Error("store ai reply", zap.Error(err))
		return
	}
	if stored.SenderName == "" {
		stored.SenderName = ai.Username
	}
	p.out.BroadcastRoom(msg.RoomCode, protocol.EventReceiveMessage, Payload(stored))
}

// Wait blocks until every in-flight AI reply has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close refuses further messages and waits for in-flight replies.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

// ShouldTrigger reports whether content contains any keyword, ignoring case.
// Keywords are expected in lower case.
func ShouldTrigger(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Fallback maps a provider error to the text posted in place of a reply.
func Fallback(err error) string {
	if errors.Is(err, assistant.ErrRateLimited) {
		return FallbackBusy
	}
	return FallbackUnavailable
}

// BuildContext renders the code and transcript block sent to the AI. When the
// block exceeds budget bytes the oldest transcript lines go first, then the
// code is cut, then the start of the remaining transcript.
func BuildContext(code string, lines []string, budget int) string {
	render := func(code string, lines []string) string {
		return "Current Code:\n" + code + "\n\nConversation:\n" + strings.Join(lines, "\n")
	}

	out := render(code, lines)
	if budget <= 0 || len(out) <= budget {
		return out
	}

	for len(lines) > 1 && len(render(code, lines)) > budget {
		lines = lines[1:]
	}

	out = render(code, lines)
	if over := len(out) - budget; over > 0 {
		code = truncate(code, len(code)-over)
		out = render(code, lines)
	}
	if len(out) > budget {
		left := budget - len(render(code, nil))
		if left <= 0 {
			return truncate(out, budget)
		}
		out = render(code, []string{tail(strings.Join(lines, "\n"), left)})
	}
	return out
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// tail keeps at most the last n bytes of s on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// Payload converts a stored message into its wire form.
func Payload(m *store.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}
