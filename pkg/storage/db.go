package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-faster/errors"

	_ "modernc.org/sqlite"
)

var (
	// ErrAccountNotFound возвращается, если аккаунта нет в реестре.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists возвращается при повторном добавлении аккаунта.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountDead возвращается при попытке оживить удаляемый аккаунт.
	ErrAccountDead = errors.New("account is dead")
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	http_proxy TEXT NOT NULL DEFAULT '',
	socks_proxy TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	status_updated_at_millis INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account_rate_limits (
	username TEXT NOT NULL,
	rate_limit_key TEXT NOT NULL,
	ready_at_millis INTEGER NOT NULL,
	PRIMARY KEY (username, rate_limit_key),
	FOREIGN KEY (username) REFERENCES accounts(username)
);
`

// DB - локальное хранилище пула: реестр аккаунтов и журнал лимитов.
// Состояние живёт в памяти процесса и не переживает перезапуск.
type DB struct {
	Conn *sql.DB

	// mu - единая критическая секция журнала лимитов.
	mu  sync.Mutex
	now func() time.Time
}

// NewDB оборачивает уже открытое соединение.
func NewDB(conn *sql.DB) *DB {
	return &DB{Conn: conn, now: time.Now}
}

// OpenMemory открывает in-memory SQLite и создаёт таблицы.
func OpenMemory(ctx context.Context) (*DB, error) {
	conn, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Каждое соединение in-memory SQLite видит свою базу, поэтому держим ровно одно.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	db := NewDB(conn)
	if err := db.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Migrate создаёт схему, если её ещё нет.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Conn.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "migrate")
	}
	return nil
}

// SetClock подменяет источник времени. Используется в тестах.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

func (db *DB) clock() time.Time {
	return db.now()
}

// Registry возвращает реестр аккаунтов поверх хранилища.
func (db *DB) Registry() *Registry { return &Registry{db: db} }

// Ledger возвращает журнал лимитов поверх хранилища.
func (db *DB) Ledger() *Ledger { return &Ledger{db: db} }

// Close закрывает соединение. Повторный вызов безопасен.
func (db *DB) Close() error {
	if db == nil || db.Conn == nil {
		return nil
	}
	return db.Conn.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
