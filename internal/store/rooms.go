package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

const (
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodeLength   = 6
	roomCodeAttempts = 20
)

// GenerateRoomCode returns a random six character code from [A-Z0-9].
func GenerateRoomCode() string {
	var b strings.Builder
	for i := 0; i < roomCodeLength; i++ {
		b.WriteByte(roomCodeAlphabet[rand.IntN(len(roomCodeAlphabet))])
	}
	return b.String()
}

// CreateRoom creates a room with a fresh unique code and makes its creator
// the first member.
func (s *Store) CreateRoom(ctx context.Context, name, description, createdBy string) (*Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("create room: name is required")
	}

	for attempt := 0; attempt < roomCodeAttempts; attempt++ {
		room, err := s.insertRoom(ctx, name, strings.TrimSpace(description), createdBy, GenerateRoomCode())
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		return room, err
	}
	return nil, fmt.Errorf("create room: no free room code after %d attempts", roomCodeAttempts)
}

func (s *Store) insertRoom(ctx context.Context, name, description, createdBy, code string) (*Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	created := now()
	room := &Room{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Code:        code,
		CreatedBy:   createdBy,
		MemberCount: 1,
		CreatedAt:   fromMillis(created),
		UpdatedAt:   fromMillis(created),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, name, description, code, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, room.ID, room.Name, room.Description, room.Code, room.CreatedBy, created, created); err != nil {
		return nil, wrapWrite("create room", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)",
		room.ID, createdBy, created,
	); err != nil {
		return nil, wrapWrite("add creator", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return room, nil
}

const roomColumns = `
	r.id, r.name, r.description, r.code, r.created_by, r.created_at, r.updated_at,
	(SELECT COUNT(*) FROM room_members m WHERE m.room_id = r.id)
`

func scanRoom(scan func(dest ...any) error) (*Room, error) {
	var room Room
	var created, updated int64
	if err := scan(&room.ID, &room.Name, &room.Description, &room.Code, &room.CreatedBy, &created, &updated, &room.MemberCount); err != nil {
		return nil, err
	}
	room.CreatedAt = fromMillis(created)
	room.UpdatedAt = fromMillis(updated)
	return &room, nil
}

// FindRoomByCode returns nil, nil when no room has the code.
func (s *Store) FindRoomByCode(ctx context.Context, code string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms r WHERE r.code = ?", strings.ToUpper(code))
	room, err := scanRoom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return room, err
}

// GetRoom returns nil, nil when the id is unknown.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms r WHERE r.id = ?", id)
	room, err := scanRoom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return room, err
}

// AddMember records userID as a member of roomID. Re-adding is a no-op.
func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	ts := now()
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)",
		roomID, userID, ts,
	); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	_, err := s.db.ExecContext(ctx, "UPDATE rooms SET updated_at = ? WHERE id = ?", ts, roomID)
	return err
}

func (s *Store) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?",
		roomID, userID,
	).Scan(&n)
	return n > 0, err
}

// ListRoomsForUser returns the rooms userID belongs to, most recently active first.
func (s *Store) ListRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms r
		JOIN room_members rm ON rm.room_id = r.id
		WHERE rm.user_id = ?
		ORDER BY r.updated_at DESC, r.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows.Scan)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// RoomIDs lists every room id.
func (s *Store) RoomIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM rooms ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
