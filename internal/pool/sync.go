package pool

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gcpool/internal/common"
	"gcpool/models"
	"gcpool/pkg/storage"
)

// SyncBotAccounts приводит набор аккаунтов к желаемому списку: новые
// добавляются и инициализируются, лишние удаляются. Пересекающиеся вызовы
// не ждут друг друга, а сразу получают ErrSyncInProgress.
func (p *Pool) SyncBotAccounts(ctx context.Context, accounts []models.BotAccountDetails) error {
	if !p.syncMu.TryLock() {
		p.log.Warn("[SYNC] синхронизация уже идёт", zap.Time("started_at", p.syncStartedAt()))
		return ErrSyncInProgress
	}
	defer p.syncMu.Unlock()
	p.setSyncStarted(time.Now())
	defer p.setSyncStarted(time.Time{})

	existing, err := p.registry.Usernames(ctx)
	if err != nil {
		return errors.Wrap(err, "list accounts")
	}
	known := make(map[string]struct{}, len(existing))
	for _, u := range existing {
		known[u] = struct{}{}
	}

	desired := make(map[string]struct{}, len(accounts))
	var toAdd []models.BotAccountDetails
	for _, acc := range accounts {
		if _, dup := desired[acc.Username]; dup {
			p.log.Warn("[SYNC] повтор аккаунта в списке", zap.String("username", acc.Username))
			continue
		}
		desired[acc.Username] = struct{}{}
		if _, ok := known[acc.Username]; !ok {
			toAdd = append(toAdd, acc)
		}
	}
	var toDelete []string
	for _, u := range existing {
		if _, ok := desired[u]; !ok {
			toDelete = append(toDelete, u)
		}
	}

	p.log.Info("[SYNC] изменение набора аккаунтов",
		zap.Int("add", len(toAdd)), zap.Int("remove", len(toDelete)))

	var g errgroup.Group
	g.SetLimit(max(p.tuning.SyncConcurrency, 1))
	for _, acc := range toAdd {
		g.Go(func() error { return p.addBot(ctx, acc) })
	}
	addErr := g.Wait()

	for _, username := range toDelete {
		if err := p.removeBot(ctx, username); err != nil {
			return errors.Wrapf(err, "remove %s", username)
		}
	}
	if addErr != nil {
		return errors.Wrap(addErr, "add")
	}
	return nil
}

func (p *Pool) syncStartedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.syncStarted
}

func (p *Pool) setSyncStarted(t time.Time) {
	p.mu.Lock()
	p.syncStarted = t
	p.mu.Unlock()
}

// AddBotAccount добавляет один аккаунт вне синхронизации.
func (p *Pool) AddBotAccount(ctx context.Context, acc models.BotAccountDetails) error {
	return p.addBot(ctx, acc)
}

// addBot регистрирует аккаунт как PREPARING, создаёт бота и инициализирует
// его. Ошибка инициализации не возвращается: аккаунт уходит в PAUSED и
// подхватывается быстрым восстановлением.
func (p *Pool) addBot(ctx context.Context, acc models.BotAccountDetails) error {
	log := p.log.With(zap.String("username", acc.Username))
	if err := p.registry.Add(ctx, acc, models.StatusPreparing); err != nil {
		return err
	}
	p.metrics.StatusChanged(ctx, models.StatusPreparing)

	b := p.newBot(acc)
	// Бот ещё никому не виден, захват всегда успешен.
	b.TryLock()
	defer b.Unlock()
	p.mu.Lock()
	p.bots[acc.Username] = b
	p.mu.Unlock()

	if err := b.Initialize(ctx); err != nil {
		log.Error("[SYNC] ошибка инициализации аккаунта", zap.Error(err))
		p.setStatus(ctx, acc.Username, models.StatusPaused)
		return nil
	}
	log.Info("[SYNC] аккаунт готов")
	p.setStatus(ctx, acc.Username, models.StatusReady)
	return nil
}

// removeBot помечает аккаунт DEAD, останавливает бота и удаляет запись
// вместе с записями лимитов.
func (p *Pool) removeBot(ctx context.Context, username string) error {
	log := p.log.With(zap.String("username", username))
	p.setStatus(ctx, username, models.StatusDead)

	p.mu.Lock()
	b, ok := p.bots[username]
	delete(p.bots, username)
	p.mu.Unlock()

	if ok {
		if err := b.Close(); err != nil {
			log.Warn("[SYNC] ошибка остановки бота", zap.Error(err))
		}
		// Даём сессии завершиться до удаления записи.
		if err := common.Sleep(ctx, p.tuning.RemoveDrain); err != nil {
			return err
		}
	} else {
		log.Warn("[SYNC] бот для удаляемого аккаунта не найден")
	}

	if err := p.registry.Remove(ctx, username); err != nil && !errors.Is(err, storage.ErrAccountNotFound) {
		return err
	}
	log.Info("[SYNC] аккаунт удалён")
	return nil
}
