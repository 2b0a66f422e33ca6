// Package bot управляет жизненным циклом сессии одного аккаунта.
package bot

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/gotd/td/session"
	"go.uber.org/zap"

	"gcpool/internal/common"
	"gcpool/pkg/gc"
)

// ErrClosed возвращается после Close: закрытый бот не пересоздаёт сессию.
var ErrClosed = errors.New("bot closed")

// Bot владеет текущей сессией аккаунта. Сессия одноразовая, поэтому
// восстановление всегда означает закрытие старой и создание новой.
type Bot struct {
	opts gc.Options
	log  *zap.Logger

	// lifecycle держит тот, кто сейчас пересоздаёт сессию.
	lifecycle sync.Mutex

	mu     sync.RWMutex
	sess   *gc.Session
	closed bool
}

// New создаёт бота с ещё не инициализированной сессией.
func New(opts gc.Options) *Bot {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	// Хранилище токена общее для всех сессий бота.
	if opts.Tokens == nil {
		opts.Tokens = &session.StorageMemory{}
	}
	return &Bot{
		opts: opts,
		log:  opts.Logger.With(zap.String("username", opts.Account.Username)),
		sess: gc.New(opts),
	}
}

// Username возвращает имя аккаунта.
func (b *Bot) Username() string { return b.opts.Account.Username }

func (b *Bot) session() (*gc.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.sess, nil
}

// TryLock захватывает бота для сброса и инициализации. Если бот уже
// занят другой задачей, возвращает false и ничего не ждёт.
func (b *Bot) TryLock() bool {
	if !b.lifecycle.TryLock() {
		b.log.Debug("[BOT] бот занят")
		return false
	}
	return true
}

// Unlock освобождает бота после TryLock.
func (b *Bot) Unlock() { b.lifecycle.Unlock() }

// Initialize выполняет вход и рукопожатие текущей сессии.
func (b *Bot) Initialize(ctx context.Context) error {
	s, err := b.session()
	if err != nil {
		return err
	}
	return s.Initialize(ctx)
}

// Reset закрывает текущую сессию, ждёт drain и создаёт новую.
// Новую сессию нужно инициализировать отдельно.
func (b *Bot) Reset(ctx context.Context, drain time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	old := b.sess
	b.mu.Unlock()

	if err := old.Close(); err != nil {
		b.log.Debug("[BOT] ошибка выхода старой сессии", zap.Error(err))
	}
	if err := common.Sleep(ctx, drain); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	// Пока мы ждали, сессию мог заменить другой сброс.
	if b.sess == old {
		b.sess = gc.New(b.opts)
	}
	return nil
}

// ResetInitializeWithRetry повторяет Reset и Initialize, всего до
// maxRetries+1 попыток. Попытка n ждёт drain baseDelay*n внутри Reset,
// поэтому между попытками backoff не ждёт. Возвращает последнюю ошибку.
func (b *Bot) ResetInitializeWithRetry(ctx context.Context, baseDelay time.Duration, maxRetries int) error {
	attempt := 0
	op := func() error {
		attempt++
		delay := baseDelay * time.Duration(attempt)
		b.log.Debug("[BOT] сброс и инициализация",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		err := b.Reset(ctx, delay)
		if err == nil {
			err = b.Initialize(ctx)
		}
		if err != nil && (errors.Is(err, ErrClosed) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		b.log.Warn("[BOT] ошибка сброса, повторяем", zap.Int("attempt", attempt), zap.Error(err))
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(max(maxRetries, 0))),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
			b.log.Error("[BOT] попытки сброса исчерпаны", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	return nil
}

// InvokeJob выполняет задачу на текущей сессии.
func (b *Bot) InvokeJob(ctx context.Context, msgType uint32, payload []byte, timeout time.Duration) ([]byte, error) {
	s, err := b.session()
	if err != nil {
		return nil, err
	}
	b.log.Debug("[BOT] выполнение задачи", zap.Uint32("message_type", msgType))
	return s.Invoke(ctx, msgType, payload, timeout)
}

// Close необратимо останавливает бота и его сессию.
func (b *Bot) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	s := b.sess
	b.mu.Unlock()
	return s.Close()
}
