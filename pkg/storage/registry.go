package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-faster/errors"

	"gcpool/models"
)

// Registry хранит известные аккаунты и их статус здоровья.
type Registry struct {
	db *DB
}

// ListFilter ограничивает выборку аккаунтов по статусу.
type ListFilter struct {
	Status    models.AccountStatus
	NotStatus models.AccountStatus
}

// Add регистрирует новый аккаунт с указанным начальным статусом.
func (r *Registry) Add(ctx context.Context, acc models.BotAccountDetails, status models.AccountStatus) error {
	if strings.TrimSpace(acc.Username) == "" {
		return errors.New("username is required")
	}
	if !status.Valid() {
		return errors.Errorf("unknown status %q", status)
	}
	res, err := r.db.Conn.ExecContext(ctx, `
		INSERT INTO accounts (username, password, http_proxy, socks_proxy, status, status_updated_at_millis)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (username) DO NOTHING`,
		acc.Username, acc.Password, acc.HTTPProxy, acc.SocksProxy, string(status), toMillis(r.db.clock()),
	)
	if err != nil {
		return errors.Wrapf(err, "insert account %s", acc.Username)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrap(ErrAccountExists, acc.Username)
	}
	return nil
}

// Get возвращает аккаунт по имени.
func (r *Registry) Get(ctx context.Context, username string) (models.Account, error) {
	row := r.db.Conn.QueryRowContext(ctx, `
		SELECT username, password, http_proxy, socks_proxy, status, status_updated_at_millis
		FROM accounts
		WHERE username = ?`, username)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, errors.Wrap(ErrAccountNotFound, username)
	}
	if err != nil {
		return models.Account{}, errors.Wrapf(err, "get account %s", username)
	}
	return acc, nil
}

// List возвращает аккаунты, начиная с недавно изменённых.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]models.Account, error) {
	query := `
		SELECT username, password, http_proxy, socks_proxy, status, status_updated_at_millis
		FROM accounts
		WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.NotStatus != "" {
		query += ` AND status != ?`
		args = append(args, string(f.NotStatus))
	}
	query += ` ORDER BY status_updated_at_millis DESC, username ASC`

	rows, err := r.db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// Usernames возвращает имена всех известных аккаунтов.
func (r *Registry) Usernames(ctx context.Context) ([]string, error) {
	accounts, err := r.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		names = append(names, acc.Username)
	}
	return names, nil
}

// CountByStatus считает аккаунты в каждом статусе.
func (r *Registry) CountByStatus(ctx context.Context) (map[models.AccountStatus]int, error) {
	rows, err := r.db.Conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count accounts")
	}
	defer rows.Close()

	counts := make(map[models.AccountStatus]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		counts[models.AccountStatus(status)] = n
	}
	return counts, rows.Err()
}

// SetStatus безусловно перезаписывает статус с новой меткой времени:
// последняя запись побеждает. Исключение одно - DEAD конечен и не оживает.
func (r *Registry) SetStatus(ctx context.Context, username string, status models.AccountStatus) error {
	if !status.Valid() {
		return errors.Errorf("unknown status %q", status)
	}
	if status == models.StatusPreparing {
		return errors.Errorf("status %s is set only on add", status)
	}
	res, err := r.db.Conn.ExecContext(ctx, `
		UPDATE accounts
		SET status = ?, status_updated_at_millis = ?
		WHERE username = ? AND status != ?`,
		string(status), toMillis(r.db.clock()), username, string(models.StatusDead),
	)
	if err != nil {
		return errors.Wrapf(err, "set status %s for %s", status, username)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}

	acc, err := r.Get(ctx, username)
	if err != nil {
		return err
	}
	if acc.Status == models.StatusDead && status == models.StatusDead {
		return nil
	}
	return errors.Wrap(ErrAccountDead, username)
}

// Remove удаляет аккаунт вместе с его записями лимитов.
func (r *Registry) Remove(ctx context.Context, username string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	tx, err := r.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM account_rate_limits WHERE username = ?`, username); err != nil {
		return errors.Wrap(err, "delete rate limits")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE username = ?`, username); err != nil {
		return errors.Wrap(err, "delete account")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (models.Account, error) {
	var (
		acc       models.Account
		status    string
		updatedAt int64
	)
	if err := row.Scan(&acc.Username, &acc.Password, &acc.HTTPProxy, &acc.SocksProxy, &status, &updatedAt); err != nil {
		return models.Account{}, err
	}
	acc.Status = models.AccountStatus(status)
	acc.StatusUpdatedAt = fromMillis(updatedAt)
	return acc, nil
}
