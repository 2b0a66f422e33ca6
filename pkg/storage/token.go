package storage

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
	"github.com/gotd/td/session"

	_ "github.com/lib/pq"
)

const tokenSchema = `
CREATE TABLE IF NOT EXISTS account_token (
	username TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	date_time TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// EnsureTokenTable создаёт таблицу токенов в Postgres.
func EnsureTokenTable(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, tokenSchema); err != nil {
		return errors.Wrap(err, "create account_token")
	}
	return nil
}

// TokenStorage хранит refresh-токен аккаунта в таблице account_token.
// Реализует session.Storage, поэтому взаимозаменяем с session.FileStorage.
type TokenStorage struct {
	DB       *sql.DB
	Username string
}

var _ session.Storage = (*TokenStorage)(nil)

// LoadSession загружает сохранённый токен.
func (s *TokenStorage) LoadSession(ctx context.Context) ([]byte, error) {
	if s == nil || s.DB == nil {
		return nil, session.ErrNotFound
	}

	var token string
	// На аккаунт хранится не более одной записи.
	err := s.DB.QueryRowContext(ctx, "SELECT token FROM account_token WHERE username = $1", s.Username).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load token %s", s.Username)
	}
	return []byte(token), nil
}

// StoreSession сохраняет новый токен, заменяя предыдущий.
func (s *TokenStorage) StoreSession(ctx context.Context, data []byte) error {
	if s == nil || s.DB == nil {
		return session.ErrNotFound
	}
	_, err := s.DB.ExecContext(
		ctx,
		"INSERT INTO account_token (username, token) VALUES ($1, $2) "+
			"ON CONFLICT (username) DO UPDATE SET token = EXCLUDED.token, date_time = NOW()",
		s.Username,
		string(data),
	)
	if err != nil {
		return errors.Wrapf(err, "store token %s", s.Username)
	}
	return nil
}
