package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/orbit/internal/auth"
)

func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	u := &User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(username),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: passwordHash,
	}
	created := now()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.Username, u.Email, u.PasswordHash, created,
	)
	if err != nil {
		return nil, wrapWrite("create user", err)
	}
	u.CreatedAt = fromMillis(created)
	return u, nil
}

// FindUserByEmail returns nil, nil when no user has the address.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

// FindUserByID returns nil, nil when the id is unknown.
func (s *Store) FindUserByID(ctx context.Context, id string) (*User, error) {
	return s.findUser(ctx, "id = ?", id)
}

func (s *Store) findUser(ctx context.Context, where string, arg any) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at FROM users WHERE "+where,
		arg,
	)

	var u User
	var created int64
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// EnsureUser returns the user registered under email, creating it with the
// given name and password when missing. Used to provision system identities.
// An empty password is replaced by a random one nobody knows.
func (s *Store) EnsureUser(ctx context.Context, username, email, password string) (*User, error) {
	existing, err := s.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if password == "" {
		password = rand.Text()
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	return s.CreateUser(ctx, username, email, hash)
}
