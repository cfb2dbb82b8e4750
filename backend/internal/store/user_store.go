package store

import (
	"context"
	"database/sql"
	"errors"
)

var ErrUserNotFound = errors.New("USER_NOT_FOUND")

// UserStore 只读，users 表由 auth 服务维护
type UserStore struct{ db *sql.DB }

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) GetUserID(ctx context.Context, username string) (uint64, error) {
	var userID uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE username = ?`,
		username,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	return userID, err
}
