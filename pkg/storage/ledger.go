package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"

	"gcpool/models"
)

// Ledger - журнал лимитов: для пары (аккаунт, ключ) хранит момент,
// начиная с которого аккаунт снова можно выбрать для этого ключа.
//
// Все операции выполняются под единой блокировкой хранилища, поэтому
// выбор и запись захвата неделимы для всех конкурентных вызовов.
type Ledger struct {
	db *DB
}

// ClaimEligible выбирает READY-аккаунт, свободный для ключа, и в той же
// критической секции сдвигает его момент готовности на now + extendBy.
// Аккаунты без записи для ключа выигрывают у уже занимавшихся.
// Второе значение false означает, что подходящих аккаунтов нет.
func (l *Ledger) ClaimEligible(ctx context.Context, rateLimitKey string, extendBy time.Duration) (string, bool, error) {
	if extendBy < 0 {
		return "", false, errors.Errorf("negative claim period %s", extendBy)
	}

	l.db.mu.Lock()
	defer l.db.mu.Unlock()

	now := toMillis(l.db.clock())

	tx, err := l.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	// В SQLite NULL при сортировке ASC идёт первым.
	var username string
	err = tx.QueryRowContext(ctx, `
		SELECT a.username
		FROM accounts a
		LEFT JOIN account_rate_limits ar
			ON ar.username = a.username AND ar.rate_limit_key = ?
		WHERE a.status = ?
			AND (ar.ready_at_millis IS NULL OR ar.ready_at_millis <= ?)
		ORDER BY ar.ready_at_millis ASC, a.username ASC
		LIMIT 1`,
		rateLimitKey, string(models.StatusReady), now,
	).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "select eligible account")
	}

	readyAt := now + extendBy.Milliseconds()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO account_rate_limits (username, rate_limit_key, ready_at_millis)
		VALUES (?, ?, ?)
		ON CONFLICT (username, rate_limit_key) DO UPDATE SET ready_at_millis = excluded.ready_at_millis`,
		username, rateLimitKey, readyAt,
	); err != nil {
		return "", false, errors.Wrap(err, "write claim")
	}
	if err := tx.Commit(); err != nil {
		return "", false, errors.Wrap(err, "commit claim")
	}
	return username, true, nil
}

// Extend отодвигает момент готовности аккаунта на extra. Отсчёт идёт от
// более позднего из текущего значения и now, поэтому запись никогда не
// откатывает уже сделанное продление.
func (l *Ledger) Extend(ctx context.Context, username, rateLimitKey string, extra time.Duration) error {
	if extra < 0 {
		return errors.Errorf("negative extension %s", extra)
	}

	l.db.mu.Lock()
	defer l.db.mu.Unlock()

	now := toMillis(l.db.clock())
	ms := extra.Milliseconds()
	_, err := l.db.Conn.ExecContext(ctx, `
		INSERT INTO account_rate_limits (username, rate_limit_key, ready_at_millis)
		VALUES (?, ?, ?)
		ON CONFLICT (username, rate_limit_key)
		DO UPDATE SET ready_at_millis = max(account_rate_limits.ready_at_millis, ?) + ?`,
		username, rateLimitKey, now+ms, now, ms,
	)
	if err != nil {
		return errors.Wrapf(err, "extend %s/%s", username, rateLimitKey)
	}
	return nil
}

// EligibleAt возвращает момент готовности аккаунта для ключа.
// false означает, что аккаунт ещё ни разу не занимался для этого ключа.
func (l *Ledger) EligibleAt(ctx context.Context, username, rateLimitKey string) (time.Time, bool, error) {
	var readyAt int64
	err := l.db.Conn.QueryRowContext(ctx, `
		SELECT ready_at_millis FROM account_rate_limits
		WHERE username = ? AND rate_limit_key = ?`,
		username, rateLimitKey,
	).Scan(&readyAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "read eligible at")
	}
	return fromMillis(readyAt), true, nil
}
