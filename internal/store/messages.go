package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateMessage appends a message to a room's history. Content is trimmed
// and must not be empty.
func (s *Store) CreateMessage(ctx context.Context, roomID, senderID, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	created := now()
	msg := &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: fromMillis(created),
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, room_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, created,
	); err != nil {
		return nil, wrapWrite("create message", err)
	}

	err := s.db.QueryRowContext(ctx, "SELECT username FROM users WHERE id = ?", senderID).Scan(&msg.SenderName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}
	return msg, nil
}

const messageSelect = `
	SELECT m.id, m.room_id, m.sender_id, COALESCE(u.username, ''), m.content, m.created_at
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id
	WHERE m.room_id = ?
`

// MessagesByRoom returns the room's full history, oldest first.
func (s *Store) MessagesByRoom(ctx context.Context, roomID string) ([]Message, error) {
	return s.queryMessages(ctx, messageSelect+" ORDER BY m.seq ASC", roomID)
}

// RecentMessages returns up to limit messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, messageSelect+" ORDER BY m.seq DESC LIMIT ?", roomID, limit)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) MessageCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// PruneMessages deletes all but the newest keep messages of a room and
// reports how many were removed.
func (s *Store) PruneMessages(ctx context.Context, roomID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE room_id = ? AND seq NOT IN (
			SELECT seq FROM messages
			WHERE room_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
	`, roomID, roomID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}
