// Package pool распределяет задачи между аккаунтами с учётом лимитов
// и следит за здоровьем их сессий.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gcpool/internal/common"
	"gcpool/internal/metrics"
	"gcpool/models"
	"gcpool/pkg/bot"
	"gcpool/pkg/storage"
)

var (
	// ErrRateLimited - нет здорового аккаунта, свободного для типа сообщения.
	ErrRateLimited = errors.New("no available bots for this message type due to rate limits")
	// ErrRegistryInconsistency - аккаунт есть в реестре, но бота для него нет.
	ErrRegistryInconsistency = errors.New("account has no bot")
	// ErrSyncInProgress - синхронизация уже идёт.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Bot - то, что пулу нужно от бота аккаунта. Сброс и инициализацию
// выполняет только тот, кто захватил бота через TryLock.
type Bot interface {
	TryLock() bool
	Unlock()
	Initialize(ctx context.Context) error
	Reset(ctx context.Context, drain time.Duration) error
	ResetInitializeWithRetry(ctx context.Context, baseDelay time.Duration, maxRetries int) error
	InvokeJob(ctx context.Context, msgType uint32, payload []byte, timeout time.Duration) ([]byte, error)
	Close() error
}

// BotFactory создаёт бота для аккаунта.
type BotFactory func(acc models.BotAccountDetails) Bot

// Tuning - параметры повторов и расписания. Значения по умолчанию
// подобраны под продакшен и не являются инвариантами.
type Tuning struct {
	DispatchRetries  int
	DispatchBackoff  time.Duration
	WaitPollInterval time.Duration

	ReloginInterval      time.Duration
	ReloginDrain         time.Duration
	ResetDrain           time.Duration
	FastRecoveryInterval time.Duration
	FastRecoveryBase     time.Duration
	SlowRecoveryInterval time.Duration
	SlowRecoveryBase     time.Duration
	RecoveryMaxRetries   int

	RemoveDrain     time.Duration
	SyncConcurrency int
}

// DefaultTuning возвращает параметры по умолчанию.
func DefaultTuning() Tuning {
	return Tuning{
		DispatchRetries:  3,
		DispatchBackoff:  2 * time.Second,
		WaitPollInterval: 250 * time.Millisecond,

		ReloginInterval:      12 * time.Hour,
		ReloginDrain:         2 * time.Second,
		ResetDrain:           20 * time.Second,
		FastRecoveryInterval: time.Minute,
		FastRecoveryBase:     10 * time.Second,
		SlowRecoveryInterval: 15 * time.Minute,
		SlowRecoveryBase:     30 * time.Second,
		RecoveryMaxRetries:   5,

		RemoveDrain:     500 * time.Millisecond,
		SyncConcurrency: 4,
	}
}

// Options настраивает пул.
type Options struct {
	NewBot  BotFactory
	Logger  *zap.Logger
	Metrics metrics.Recorder
	Tuning  Tuning
	// Clock подменяет время журнала лимитов. Используется в тестах.
	Clock func() time.Time
}

// Pool - точка входа для задач. Владеет хранилищем и ботами;
// после использования его нужно закрыть через Close.
type Pool struct {
	db       *storage.DB
	registry *storage.Registry
	ledger   *storage.Ledger

	newBot  BotFactory
	log     *zap.Logger
	metrics metrics.Recorder
	tuning  Tuning

	mu   sync.RWMutex
	bots map[string]Bot

	syncMu      sync.Mutex
	syncStarted time.Time

	superMu    sync.Mutex
	stopSuper  context.CancelFunc
	superGroup *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// New открывает хранилище пула. Задачи супервизора запускаются через Start.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.NewBot == nil {
		return nil, errors.New("bot factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Tuning == (Tuning{}) {
		opts.Tuning = DefaultTuning()
	}

	db, err := storage.OpenMemory(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	if opts.Clock != nil {
		db.SetClock(opts.Clock)
	}

	return &Pool{
		db:       db,
		registry: db.Registry(),
		ledger:   db.Ledger(),
		newBot:   opts.NewBot,
		log:      opts.Logger.Named("pool"),
		metrics:  opts.Metrics,
		tuning:   opts.Tuning,
		bots:     make(map[string]Bot),
	}, nil
}

// Close останавливает супервизор, закрывает ботов и хранилище.
// Повторный вызов возвращает результат первого.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.stopSupervisor()
		p.log.Debug("[POOL] супервизор остановлен")

		p.mu.Lock()
		bots := p.bots
		p.bots = make(map[string]Bot)
		p.mu.Unlock()

		for username, b := range bots {
			if err := b.Close(); err != nil {
				p.log.Warn("[POOL] ошибка остановки бота", zap.String("username", username), zap.Error(err))
			}
		}
		p.log.Debug("[POOL] боты остановлены")

		p.closeErr = p.db.Close()
	})
	return p.closeErr
}

func (p *Pool) bot(username string) (Bot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.bots[username]
	return b, ok
}

// Accounts возвращает снимок реестра.
func (p *Pool) Accounts(ctx context.Context) ([]models.Account, error) {
	return p.registry.List(ctx, storage.ListFilter{})
}

// StatusCounts возвращает число аккаунтов в каждом статусе.
func (p *Pool) StatusCounts(ctx context.Context) (map[models.AccountStatus]int, error) {
	return p.registry.CountByStatus(ctx)
}

// setStatus записывает статус и не возвращает ошибку: сбой учёта
// не должен ронять вызывающего.
func (p *Pool) setStatus(ctx context.Context, username string, status models.AccountStatus) {
	if err := p.registry.SetStatus(context.WithoutCancel(ctx), username, status); err != nil {
		if errors.Is(err, storage.ErrAccountDead) || errors.Is(err, storage.ErrAccountNotFound) {
			p.log.Debug("[POOL] статус не изменён, аккаунт удаляется",
				zap.String("username", username), zap.String("status", string(status)))
			return
		}
		p.log.Error("[POOL] ошибка записи статуса",
			zap.String("username", username), zap.String("status", string(status)), zap.Error(err))
		return
	}
	p.metrics.StatusChanged(ctx, status)
}

// InvokeJob выбирает свободный аккаунт, выполняет на нём задачу с повторами
// и возвращает классифицированный результат.
func (p *Pool) InvokeJob(ctx context.Context, job models.Job) models.JobResult {
	start := time.Now()
	res := p.invoke(ctx, job)
	p.metrics.JobFinished(ctx, job.MessageType, res.Kind, time.Since(start))
	return res
}

func (p *Pool) invoke(ctx context.Context, job models.Job) models.JobResult {
	key := job.RateLimitKey()
	log := p.log.With(zap.Uint32("message_type", job.MessageType))

	username, err := p.claim(ctx, job, key)
	if errors.Is(err, ErrRateLimited) {
		log.Debug("[POOL] нет свободных аккаунтов")
		return models.JobResult{Kind: models.JobRateLimited, Message: err.Error()}
	}
	if err != nil {
		log.Error("[POOL] ошибка выбора аккаунта", zap.Error(err))
		return models.JobResult{Kind: models.JobOtherError, Message: err.Error()}
	}
	log = log.With(zap.String("username", username))

	b, ok := p.bot(username)
	if !ok {
		err := errors.Wrap(ErrRegistryInconsistency, username)
		log.Error("[POOL] бот не найден", zap.Error(err))
		return models.JobResult{Kind: models.JobOtherError, Message: err.Error()}
	}

	var (
		data    []byte
		attempt int
	)
	op := func() error {
		attempt++
		out, err := b.InvokeJob(ctx, job.MessageType, job.Payload, job.Timeout)
		if errors.Is(err, bot.ErrClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		data = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.metrics.JobRetried(ctx, job.MessageType)
		log.Warn("[POOL] ошибка задачи, повторяем",
			zap.Int("retry", attempt), zap.Duration("sleep", wait), zap.Error(err))
		// Проблемный аккаунт уходит из ротации дольше обычного периода.
		if err := p.ledger.Extend(context.WithoutCancel(ctx), username, key, wait+job.RateLimitPeriod); err != nil {
			log.Error("[POOL] не удалось продлить лимит", zap.Error(err))
		}
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(p.tuning.DispatchBackoff), uint64(p.tuning.DispatchRetries)),
		ctx,
	)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			log.Warn("[POOL] задача отменена вызывающим", zap.Error(err))
			return models.JobResult{Kind: models.JobOtherError, Username: username, Message: err.Error()}
		}
		log.Error("[POOL] задача не выполнена, аккаунт на паузе", zap.Int("attempts", attempt), zap.Error(err))
		p.setStatus(ctx, username, models.StatusPaused)
		return models.JobResult{Kind: models.JobOtherError, Username: username, Message: err.Error()}
	}
	return models.JobResult{Kind: models.JobOK, Username: username, Data: data}
}

// claim захватывает аккаунт. В режиме ожидания повторяет захват, пока
// не выйдет таймаут задачи.
func (p *Pool) claim(ctx context.Context, job models.Job, key string) (string, error) {
	deadline := time.Now().Add(job.Timeout)
	for {
		username, ok, err := p.ledger.ClaimEligible(ctx, key, job.RateLimitPeriod)
		if err != nil {
			return "", err
		}
		if ok {
			return username, nil
		}
		poll := p.tuning.WaitPollInterval
		if job.Buffering != models.BufferWait || time.Now().Add(poll).After(deadline) {
			return "", ErrRateLimited
		}
		if err := common.Sleep(ctx, poll); err != nil {
			return "", err
		}
	}
}
