package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gcpool/internal/common"
	"gcpool/models"
	"gcpool/pkg/storage"
)

// Имена фоновых задач супервизора.
const (
	TaskRelogin      = "relogin"
	TaskFastRecovery = "fast_recovery"
	TaskSlowRecovery = "slow_recovery"
)

// Start запускает три фоновые задачи супервизора. Каждая выполняется
// не чаще своего интервала и никогда не пересекается сама с собой.
func (p *Pool) Start(ctx context.Context) {
	p.superMu.Lock()
	defer p.superMu.Unlock()
	if p.stopSuper != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.stopSuper = cancel
	p.superGroup = g

	t := p.tuning
	g.Go(func() error { p.every(ctx, TaskRelogin, t.ReloginInterval, p.relogin); return nil })
	g.Go(func() error { p.every(ctx, TaskFastRecovery, t.FastRecoveryInterval, p.fastRecovery); return nil })
	g.Go(func() error { p.every(ctx, TaskSlowRecovery, t.SlowRecoveryInterval, p.slowRecovery); return nil })
	p.log.Info("[SUPERVISOR] запущен",
		zap.Duration("relogin", t.ReloginInterval),
		zap.Duration("fast_recovery", t.FastRecoveryInterval),
		zap.Duration("slow_recovery", t.SlowRecoveryInterval),
	)
}

func (p *Pool) stopSupervisor() {
	p.superMu.Lock()
	cancel, g := p.stopSuper, p.superGroup
	p.superMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = g.Wait()
}

// every запускает task раз в interval. Тикер пропускает срабатывания,
// пока задача выполняется, поэтому запуски не накладываются.
func (p *Pool) every(ctx context.Context, name string, interval time.Duration, task func(context.Context)) {
	if interval <= 0 {
		p.log.Warn("[SUPERVISOR] задача отключена", zap.String("task", name))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runTask(ctx, name, task)
		}
	}
}

func (p *Pool) runTask(ctx context.Context, name string, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("[SUPERVISOR] паника в задаче", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	p.log.Debug("[SUPERVISOR] старт задачи", zap.String("task", name))
	task(ctx)
}

// relogin ставит каждый аккаунт, кроме FAILED, на паузу и заново входит.
// Ошибка оставляет аккаунт в PAUSED до быстрого восстановления.
func (p *Pool) relogin(ctx context.Context) {
	accounts, err := p.registry.List(ctx, storage.ListFilter{})
	if err != nil {
		p.log.Error("[SUPERVISOR] ошибка чтения аккаунтов", zap.Error(err))
		return
	}

	for _, acc := range accounts {
		if ctx.Err() != nil {
			return
		}
		log := p.log.With(zap.String("username", acc.Username))
		if acc.Status == models.StatusFailed || acc.Status == models.StatusDead {
			continue
		}
		b, ok := p.bot(acc.Username)
		if !ok {
			log.Error("[SUPERVISOR] бот не найден", zap.String("task", TaskRelogin))
			continue
		}
		if !b.TryLock() {
			log.Warn("[SUPERVISOR] аккаунт занят другой задачей, пропускаем", zap.String("task", TaskRelogin))
			continue
		}
		if !p.reloginOne(ctx, log, acc, b) {
			return
		}
	}
}

// reloginOne перелогинивает захваченного бота и отпускает его.
// false означает, что контекст отменён.
func (p *Pool) reloginOne(ctx context.Context, log *zap.Logger, acc models.Account, b Bot) bool {
	defer b.Unlock()

	if acc.Status == models.StatusReady || acc.Status == models.StatusPreparing {
		p.setStatus(ctx, acc.Username, models.StatusPaused)
	}
	// Даём уже идущим задачам аккаунта завершиться.
	if err := common.Sleep(ctx, p.tuning.ReloginDrain); err != nil {
		return false
	}

	log.Info("[SUPERVISOR] перелогин")
	err := b.Reset(ctx, p.tuning.ResetDrain)
	if err == nil {
		err = b.Initialize(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Error("[SUPERVISOR] ошибка перелогина", zap.Error(err))
		p.metrics.RecoveryFinished(ctx, TaskRelogin, false)
		p.setStatus(ctx, acc.Username, models.StatusPaused)
		return true
	}
	p.metrics.RecoveryFinished(ctx, TaskRelogin, true)
	p.setStatus(ctx, acc.Username, models.StatusReady)
	return true
}

// fastRecovery пробует мягкий сброс для PAUSED аккаунтов: успех - READY,
// исчерпание попыток - FAILED.
func (p *Pool) fastRecovery(ctx context.Context) {
	p.recoverStatus(ctx, TaskFastRecovery, models.StatusPaused, p.tuning.FastRecoveryBase)
}

// slowRecovery пробует жёсткий сброс для FAILED аккаунтов: успех - READY,
// иначе аккаунт остаётся FAILED до следующего запуска.
func (p *Pool) slowRecovery(ctx context.Context) {
	p.recoverStatus(ctx, TaskSlowRecovery, models.StatusFailed, p.tuning.SlowRecoveryBase)
}

func (p *Pool) recoverStatus(ctx context.Context, task string, status models.AccountStatus, base time.Duration) {
	accounts, err := p.registry.List(ctx, storage.ListFilter{Status: status})
	if err != nil {
		p.log.Error("[SUPERVISOR] ошибка чтения аккаунтов", zap.String("task", task), zap.Error(err))
		return
	}

	for _, acc := range accounts {
		if ctx.Err() != nil {
			return
		}
		log := p.log.With(zap.String("username", acc.Username), zap.String("task", task))
		b, ok := p.bot(acc.Username)
		if !ok {
			log.Error("[SUPERVISOR] бот не найден")
			continue
		}
		if !b.TryLock() {
			log.Warn("[SUPERVISOR] аккаунт занят другой задачей, пропускаем")
			continue
		}
		// Статус мог смениться, пока бота держала другая задача.
		if cur, err := p.registry.Get(ctx, acc.Username); err != nil || cur.Status != status {
			b.Unlock()
			continue
		}

		err := b.ResetInitializeWithRetry(ctx, base, p.tuning.RecoveryMaxRetries)
		b.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("[SUPERVISOR] восстановление не удалось", zap.Error(err))
			p.metrics.RecoveryFinished(ctx, task, false)
			p.setStatus(ctx, acc.Username, models.StatusFailed)
			continue
		}
		log.Info("[SUPERVISOR] аккаунт восстановлен")
		p.metrics.RecoveryFinished(ctx, task, true)
		p.setStatus(ctx, acc.Username, models.StatusReady)
	}
}
