package gc_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/session"
	"go.uber.org/zap/zaptest"

	"gcpool/models"
	"gcpool/pkg/gc"
	"gcpool/pkg/gc/gctest"
)

func newSession(t *testing.T, coord *gctest.Coordinator, tokens session.Storage) *gc.Session {
	t.Helper()
	s := gc.New(gc.Options{
		Account:       models.BotAccountDetails{Username: "bot1", Password: "secret"},
		Tokens:        tokens,
		Dialer:        coord,
		Logger:        zaptest.NewLogger(t),
		LoginTimeout:  200 * time.Millisecond,
		LaunchTimeout: 200 * time.Millisecond,
		ReadyTimeout:  200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestInitializePersistsToken проверяет вход по паролю, сохранение выданного
// токена и повторный вход уже по токену.
func TestInitializePersistsToken(t *testing.T) {
	coord := gctest.NewCoordinator()
	coord.IssueToken("bot1", "refresh-1")
	tokens := &session.StorageMemory{}
	ctx := context.Background()

	first := newSession(t, coord, tokens)
	if err := first.Initialize(ctx); err != nil {
		t.Fatalf("инициализация завершилась ошибкой: %v", err)
	}
	_ = first.Close()

	stored, err := tokens.LoadSession(ctx)
	if err != nil {
		t.Fatalf("токен не сохранён: %v", err)
	}
	if string(stored) != "refresh-1" {
		t.Fatalf("сохранён неверный токен: %q", stored)
	}

	second := newSession(t, coord, tokens)
	if err := second.Initialize(ctx); err != nil {
		t.Fatalf("повторная инициализация завершилась ошибкой: %v", err)
	}

	logons := coord.LogOns()
	if len(logons) != 2 {
		t.Fatalf("ожидалось 2 входа, получено %d", len(logons))
	}
	if logons[0].Password != "secret" || logons[0].RefreshToken != "" {
		t.Fatalf("первый вход должен быть по паролю: %+v", logons[0])
	}
	if logons[1].RefreshToken != "refresh-1" || logons[1].Password != "" {
		t.Fatalf("второй вход должен быть по токену: %+v", logons[1])
	}
}

func TestInitializeHandshakeTimeout(t *testing.T) {
	coord := gctest.NewCoordinator()
	coord.SetSilent("bot1", true)
	s := newSession(t, coord, nil)

	err := s.Initialize(context.Background())
	if !errors.Is(err, gc.ErrHandshakeTimeout) {
		t.Fatalf("ожидалась ErrHandshakeTimeout, получено: %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("после таймаута остались ожидания: %d", s.Pending())
	}
}

func TestInitializeTwice(t *testing.T) {
	coord := gctest.NewCoordinator()
	s := newSession(t, coord, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("инициализация завершилась ошибкой: %v", err)
	}
	if err := s.Initialize(context.Background()); err == nil {
		t.Fatalf("сессия одноразовая, повторная инициализация должна падать")
	}
}

func TestInvokeReturnsResponse(t *testing.T) {
	coord := gctest.NewCoordinator()
	s := newSession(t, coord, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("инициализация завершилась ошибкой: %v", err)
	}

	got, err := s.Invoke(context.Background(), 7, []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("задача завершилась ошибкой: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("неверный ответ: %q", got)
	}
	if s.Pending() != 0 {
		t.Fatalf("после ответа остались ожидания: %d", s.Pending())
	}
}

// TestInvokeTimeoutLeavesNoListener проверяет, что таймаут снимает ожидание
// и поздний ответ не достаётся следующей задаче.
func TestInvokeTimeoutLeavesNoListener(t *testing.T) {
	coord := gctest.NewCoordinator()
	s := newSession(t, coord, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("инициализация завершилась ошибкой: %v", err)
	}

	coord.SetResponder(func(_ string, msg gc.Message) ([]byte, bool) {
		if msg.Type == 7 {
			return nil, false
		}
		return []byte("fresh"), true
	})

	start := time.Now()
	_, err := s.Invoke(context.Background(), 7, nil, 100*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, gc.ErrJobTimeout) {
		t.Fatalf("ожидалась ErrJobTimeout, получено: %v", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Fatalf("таймаут сработал за %s", elapsed)
	}
	if s.Pending() != 0 {
		t.Fatalf("после таймаута осталось ожиданий: %d", s.Pending())
	}

	got, err := s.Invoke(context.Background(), 8, []byte("x"), time.Second)
	if err != nil {
		t.Fatalf("вторая задача завершилась ошибкой: %v", err)
	}
	if string(got) != "fresh" {
		t.Fatalf("вторая задача получила чужой ответ: %q", got)
	}
}

func TestKillSwitchFailsFast(t *testing.T) {
	coord := gctest.NewCoordinator()
	s := newSession(t, coord, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("инициализация завершилась ошибкой: %v", err)
	}

	coord.Last("bot1").Fail(errors.New("connection reset"))
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("выключатель не сработал")
	}

	start := time.Now()
	if _, err := s.Invoke(context.Background(), 7, nil, 5*time.Second); !errors.Is(err, gc.ErrAborted) {
		t.Fatalf("Invoke: ожидалась ErrAborted, получено: %v", err)
	}
	if err := s.Send(context.Background(), 7, nil); !errors.Is(err, gc.ErrAborted) {
		t.Fatalf("Send: ожидалась ErrAborted, получено: %v", err)
	}
	if _, err := s.WaitForEvent(context.Background(), gc.EventLoggedOn, 5*time.Second); !errors.Is(err, gc.ErrAborted) {
		t.Fatalf("WaitForEvent: ожидалась ErrAborted, получено: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("операции ждали таймаута: %s", elapsed)
	}
}

func TestKillSwitchCancelsPendingInvoke(t *testing.T) {
	coord := gctest.NewCoordinator()
	s := newSession(t, coord, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("инициализация завершилась ошибкой: %v", err)
	}
	coord.SetResponder(func(string, gc.Message) ([]byte, bool) { return nil, false })

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), 7, nil, 10*time.Second)
		errCh <- err
	}()

	// Даём задаче зарегистрировать ожидание.
	deadline := time.Now().Add(time.Second)
	for s.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	coord.Last("bot1").Fail(errors.New("fatal"))

	select {
	case err := <-errCh:
		if !errors.Is(err, gc.ErrAborted) {
			t.Fatalf("ожидалась ErrAborted, получено: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ожидающая задача не была прервана")
	}
}

func TestWaitForEventTimeout(t *testing.T) {
	coord := gctest.NewCoordinator()
	s := newSession(t, coord, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("инициализация завершилась ошибкой: %v", err)
	}
	_, err := s.WaitForEvent(context.Background(), gc.EventRefreshToken, 50*time.Millisecond)
	if !errors.Is(err, gc.ErrTimeout) {
		t.Fatalf("ожидалась ErrTimeout, получено: %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("после таймаута остались ожидания: %d", s.Pending())
	}
}

func TestCloseIsIrreversible(t *testing.T) {
	coord := gctest.NewCoordinator()
	s := newSession(t, coord, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("инициализация завершилась ошибкой: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("закрытие завершилось ошибкой: %v", err)
	}
	if !s.Aborted() {
		t.Fatalf("после закрытия сессия должна быть выключена")
	}
	if err := s.Initialize(context.Background()); !errors.Is(err, gc.ErrAborted) {
		t.Fatalf("ожидалась ErrAborted, получено: %v", err)
	}
	if coord.LogOffs() != 1 {
		t.Fatalf("ожидался 1 выход, получено %d", coord.LogOffs())
	}
}
