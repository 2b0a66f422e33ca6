package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-faster/errors"
	"github.com/gotd/td/session"
	"go.uber.org/zap/zaptest"

	"gcpool/models"
	"gcpool/pkg/gc"
)

// gateway - минимальный шлюз: подтверждает вход, запуск и приветствие,
// отвечает эхом на задачи. Задача с типом failType рвёт соединение ошибкой.
func gateway(t *testing.T, failType uint32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		ctx := r.Context()
		send := func(f frame) {
			data, err := marshalFrame(f)
			if err != nil {
				t.Errorf("encode: %v", err)
				return
			}
			_ = ws.Write(ctx, websocket.MessageBinary, data)
		}
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			in, err := unmarshalFrame(data)
			if err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			switch in.Op {
			case opLogOnPassword:
				send(frame{Op: opRefreshToken, Secret: "token-" + in.Name})
				send(frame{Op: opLoggedOn})
			case opLogOnToken:
				send(frame{Op: opLoggedOn})
			case opGamesPlayed:
				send(frame{Op: opAppLaunched, AppID: in.AppID})
			case opGCMessage:
				switch {
				case in.MsgType == failType:
					send(frame{Op: opError, Name: "kicked"})
				case in.JobID == 0:
					send(frame{Op: opGCMessage, AppID: in.AppID, MsgType: 9000})
				default:
					send(frame{Op: opGCMessage, AppID: in.AppID, MsgType: in.MsgType + 1, JobID: in.JobID, Payload: in.Payload})
				}
			case opLogOff:
				_ = ws.Close(websocket.StatusNormalClosure, "bye")
				return
			}
		}
	}))
}

func newSession(t *testing.T, srv *httptest.Server, tokens session.Storage) *gc.Session {
	t.Helper()
	log := zaptest.NewLogger(t)
	s := gc.New(gc.Options{
		Account:   models.BotAccountDetails{Username: "bot1", Password: "pw"},
		Tokens:    tokens,
		Dialer:    Dialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Logger: log},
		Logger:    log,
		ReadyType: 9000,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionOverWebsocket(t *testing.T) {
	srv := gateway(t, 0)
	defer srv.Close()

	tokens := &session.StorageMemory{}
	s := newSession(t, srv, tokens)
	ctx := context.Background()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("инициализация завершилась ошибкой: %v", err)
	}

	got, err := s.Invoke(ctx, 42, []byte{1, 2, 3}, 2*time.Second)
	if err != nil {
		t.Fatalf("задача завершилась ошибкой: %v", err)
	}
	if string(got) != string([]byte{1, 2, 3}) {
		t.Fatalf("неверный ответ: %v", got)
	}

	token, err := tokens.LoadSession(ctx)
	if err != nil || string(token) != "token-bot1" {
		t.Fatalf("токен не сохранён: %q, %v", token, err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("выход завершился ошибкой: %v", err)
	}
}

func TestGatewayErrorAbortsSession(t *testing.T) {
	srv := gateway(t, 13)
	defer srv.Close()

	s := newSession(t, srv, nil)
	ctx := context.Background()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("инициализация завершилась ошибкой: %v", err)
	}

	_, err := s.Invoke(ctx, 13, nil, 5*time.Second)
	if !errors.Is(err, gc.ErrAborted) {
		t.Fatalf("ожидалась ErrAborted, получено: %v", err)
	}
	if _, err := s.Invoke(ctx, 42, nil, 5*time.Second); !errors.Is(err, gc.ErrAborted) {
		t.Fatalf("после ошибки шлюза ожидалась ErrAborted, получено: %v", err)
	}
}

func TestFrameDecodeShort(t *testing.T) {
	if _, err := unmarshalFrame([]byte{1, 0, 0}); err == nil {
		t.Fatalf("ожидалась ошибка разбора короткого кадра")
	}
}

func TestHTTPClientProxy(t *testing.T) {
	log := zaptest.NewLogger(t)
	c, err := httpClient(models.BotAccountDetails{HTTPProxy: "http://user:pw@127.0.0.1:3128"}, log)
	if err != nil {
		t.Fatalf("клиент с http-прокси: %v", err)
	}
	tr := c.Transport.(*http.Transport)
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	u, err := tr.Proxy(req)
	if err != nil || u == nil || u.Host != "127.0.0.1:3128" {
		t.Fatalf("прокси не применён: %v, %v", u, err)
	}

	if _, err := httpClient(models.BotAccountDetails{SocksProxy: "socks5://127.0.0.1:1080"}, log); err != nil {
		t.Fatalf("клиент с socks-прокси: %v", err)
	}
}
