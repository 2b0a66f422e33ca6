package gc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/session"
	"go.uber.org/zap"

	"gcpool/models"
)

const (
	// DefaultAppID - идентификатор приложения, от имени которого работает сессия.
	DefaultAppID uint32 = 1422450
	// DefaultHelloType - тип сообщения приветствия клиента.
	DefaultHelloType uint32 = 4006

	DefaultLoginTimeout  = 15 * time.Second
	DefaultLaunchTimeout = 5 * time.Second
	DefaultReadyTimeout  = 20 * time.Second

	tokenStoreTimeout = 10 * time.Second
)

// Options настраивает сессию.
type Options struct {
	Account models.BotAccountDetails
	// Tokens хранит refresh-токен аккаунта между входами.
	Tokens session.Storage
	Dialer Dialer
	Logger *zap.Logger

	AppID        uint32
	HelloType    uint32
	HelloPayload []byte
	// ReadyType - тип сообщения, подтверждающего, что координатор принял клиента.
	// Ноль - подходит любое сообщение приложения.
	ReadyType uint32

	LoginTimeout  time.Duration
	LaunchTimeout time.Duration
	ReadyTimeout  time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tokens == nil {
		o.Tokens = &session.StorageMemory{}
	}
	if o.AppID == 0 {
		o.AppID = DefaultAppID
	}
	if o.HelloType == 0 {
		o.HelloType = DefaultHelloType
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = DefaultLoginTimeout
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = DefaultLaunchTimeout
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
}

// Session - одно аутентифицированное соединение аккаунта с координатором.
//
// Сессия одноразовая: после срабатывания выключателя все операции
// завершаются с ErrAborted, и для восстановления нужна новая сессия.
type Session struct {
	opts Options
	log  *zap.Logger

	ctx   context.Context
	abort context.CancelCauseFunc

	mu         sync.Mutex
	conn       Conn
	dialed     bool
	waiters    map[uint64]*waiter
	nextWaiter uint64

	nextJob atomic.Uint64
}

type waiter struct {
	id    uint64
	match func(Event) bool
	ch    chan Event
}

// New создаёт сессию. Соединение открывается в Initialize.
func New(opts Options) *Session {
	opts.setDefaults()
	ctx, abort := context.WithCancelCause(context.Background())
	return &Session{
		opts:    opts,
		log:     opts.Logger.With(zap.String("username", opts.Account.Username)),
		ctx:     ctx,
		abort:   abort,
		waiters: make(map[uint64]*waiter),
	}
}

// Username возвращает имя аккаунта сессии.
func (s *Session) Username() string { return s.opts.Account.Username }

// Aborted сообщает, сработал ли выключатель.
func (s *Session) Aborted() bool { return s.ctx.Err() != nil }

// Done закрывается при срабатывании выключателя.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Pending возвращает число зарегистрированных ожиданий.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Initialize выполняет вход и рукопожатие с координатором. Каждый этап
// ограничен своим таймаутом; превышение возвращает ErrHandshakeTimeout.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return err
	}

	s.log.Info("[SESSION] вход в аккаунт")
	if err := s.login(ctx); err != nil {
		return errors.Wrap(err, "login")
	}

	s.log.Info("[SESSION] рукопожатие с координатором")
	if err := s.handshake(ctx); err != nil {
		return errors.Wrap(err, "handshake")
	}
	s.log.Debug("[SESSION] получено подтверждение готовности")
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.dialed {
		s.mu.Unlock()
		return errors.New("session already initialized")
	}
	s.dialed = true
	s.mu.Unlock()

	conn, err := s.opts.Dialer.Dial(ctx, s.opts.Account, s.dispatch)
	if err != nil {
		s.abort(errors.Wrapf(ErrAborted, "dial: %v", err))
		return errors.Wrap(err, "dial")
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// Выключатель мог сработать, пока соединение открывалось.
	if s.Aborted() {
		_ = conn.LogOff()
		return s.check()
	}
	return nil
}

func (s *Session) login(ctx context.Context) error {
	w, err := s.listen(kindIs(EventLoggedOn))
	if err != nil {
		return err
	}
	defer s.unlisten(w)

	details := LogOnDetails{Username: s.opts.Account.Username}
	token, err := s.opts.Tokens.LoadSession(ctx)
	switch {
	case err == nil && len(token) > 0:
		s.log.Debug("[SESSION] вход по сохранённому токену")
		details.RefreshToken = string(token)
	case err == nil, errors.Is(err, session.ErrNotFound):
		s.log.Debug("[SESSION] вход по логину и паролю")
		details.Password = s.opts.Account.Password
	default:
		s.log.Warn("[SESSION] не удалось прочитать токен, вход по паролю", zap.Error(err))
		details.Password = s.opts.Account.Password
	}

	conn, err := s.connection()
	if err != nil {
		return err
	}
	if err := conn.LogOn(ctx, details); err != nil {
		return errors.Wrap(err, "send logon")
	}
	if _, err := s.wait(ctx, w, s.opts.LoginTimeout); err != nil {
		return handshakeErr(err, "loggedOn")
	}
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	launched, err := s.listen(kindIs(EventAppLaunched))
	if err != nil {
		return err
	}
	defer s.unlisten(launched)

	conn, err := s.connection()
	if err != nil {
		return err
	}
	if err := conn.GamesPlayed(ctx, s.opts.AppID); err != nil {
		return errors.Wrap(err, "games played")
	}
	ev, err := s.wait(ctx, launched, s.opts.LaunchTimeout)
	if err != nil {
		return handshakeErr(err, "appLaunched")
	}
	s.log.Debug("[SESSION] приложение запущено", zap.Uint32("app_id", ev.AppID))

	ready, err := s.listen(func(ev Event) bool {
		if ev.Kind != EventGCMessage || ev.AppID != s.opts.AppID {
			return false
		}
		return s.opts.ReadyType == 0 || ev.MsgType == s.opts.ReadyType
	})
	if err != nil {
		return err
	}
	defer s.unlisten(ready)

	if err := s.Send(ctx, s.opts.HelloType, s.opts.HelloPayload); err != nil {
		return errors.Wrap(err, "hello")
	}
	if _, err := s.wait(ctx, ready, s.opts.ReadyTimeout); err != nil {
		return handshakeErr(err, "ready heartbeat")
	}
	return nil
}

// Send отправляет сообщение без ожидания ответа.
func (s *Session) Send(ctx context.Context, msgType uint32, payload []byte) error {
	conn, err := s.connection()
	if err != nil {
		return err
	}
	if err := conn.SendToGC(ctx, Message{AppID: s.opts.AppID, Type: msgType, Payload: payload}); err != nil {
		return errors.Wrapf(ErrJob, "send %d: %v", msgType, err)
	}
	return nil
}

// Invoke отправляет задачу и ждёт ровно один ответ на неё. Ожидание
// снимается при ответе, таймауте, отмене ctx или срабатывании выключателя.
func (s *Session) Invoke(ctx context.Context, msgType uint32, payload []byte, timeout time.Duration) ([]byte, error) {
	jobID := s.nextJob.Add(1)
	w, err := s.listen(func(ev Event) bool {
		return ev.Kind == EventGCMessage && ev.JobID == jobID
	})
	if err != nil {
		return nil, err
	}
	defer s.unlisten(w)

	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	msg := Message{AppID: s.opts.AppID, Type: msgType, JobID: jobID, Payload: payload}
	if err := conn.SendToGC(ctx, msg); err != nil {
		return nil, errors.Wrapf(ErrJob, "send job %d: %v", msgType, err)
	}

	ev, err := s.wait(ctx, w, timeout)
	if errors.Is(err, ErrTimeout) {
		return nil, errors.Wrapf(ErrJobTimeout, "message type %d after %s", msgType, timeout)
	}
	if err != nil {
		return nil, err
	}
	return ev.Payload, nil
}

// WaitForEvent ждёт первое событие указанного типа.
func (s *Session) WaitForEvent(ctx context.Context, kind EventKind, timeout time.Duration) (Event, error) {
	w, err := s.listen(kindIs(kind))
	if err != nil {
		return Event{}, err
	}
	defer s.unlisten(w)

	ev, err := s.wait(ctx, w, timeout)
	if errors.Is(err, ErrTimeout) {
		return Event{}, errors.Wrapf(err, "%s after %s", kind, timeout)
	}
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Close выходит из аккаунта и необратимо выключает сессию.
func (s *Session) Close() error {
	s.abort(errors.Wrap(ErrAborted, "closed"))

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.LogOff()
}

// dispatch вызывается соединением для каждого входящего события.
func (s *Session) dispatch(ev Event) {
	switch ev.Kind {
	case EventRefreshToken:
		s.storeToken(ev.Token)
	case EventError:
		s.log.Error("[SESSION] фатальная ошибка соединения", zap.Error(ev.Err))
		s.abort(errors.Wrapf(ErrAborted, "transport error: %v", ev.Err))
	case EventDisconnected:
		if s.Aborted() {
			s.log.Debug("[SESSION] отключение после остановки")
		} else {
			s.log.Warn("[SESSION] соединение разорвано", zap.Error(ev.Err))
		}
	}

	s.mu.Lock()
	for id, w := range s.waiters {
		if !w.match(ev) {
			continue
		}
		// Ожидание одноразовое: снимаем его сразу после доставки.
		delete(s.waiters, id)
		w.ch <- ev
	}
	s.mu.Unlock()
}

// storeToken сохраняет выданный токен до того, как он сможет понадобиться.
func (s *Session) storeToken(token string) {
	if token == "" {
		return
	}
	s.log.Info("[SESSION] получен новый refresh-токен", zap.Int("len", len(token)))
	ctx, cancel := context.WithTimeout(context.Background(), tokenStoreTimeout)
	defer cancel()
	if err := s.opts.Tokens.StoreSession(ctx, []byte(token)); err != nil {
		s.log.Error("[SESSION] не удалось сохранить токен", zap.Error(err))
	}
}

func (s *Session) listen(match func(Event) bool) (*waiter, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWaiter++
	w := &waiter{id: s.nextWaiter, match: match, ch: make(chan Event, 1)}
	s.waiters[w.id] = w
	return w, nil
}

func (s *Session) unlisten(w *waiter) {
	s.mu.Lock()
	delete(s.waiters, w.id)
	s.mu.Unlock()
}

func (s *Session) wait(ctx context.Context, w *waiter, timeout time.Duration) (Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timer.C:
		return Event{}, ErrTimeout
	case <-s.ctx.Done():
		return Event{}, context.Cause(s.ctx)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *Session) connection() (Conn, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, errors.New("session is not connected")
	}
	return s.conn, nil
}

// check возвращает ErrAborted, если выключатель уже сработал.
func (s *Session) check() error {
	if s.ctx.Err() != nil {
		return context.Cause(s.ctx)
	}
	return nil
}

func kindIs(kind EventKind) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == kind }
}

func handshakeErr(err error, stage string) error {
	if errors.Is(err, ErrTimeout) {
		return errors.Wrapf(ErrHandshakeTimeout, "waiting for %s", stage)
	}
	return err
}
