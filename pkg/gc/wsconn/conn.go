// Package wsconn реализует соединение с шлюзом координатора поверх websocket.
package wsconn

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"gcpool/models"
	"gcpool/pkg/gc"
)

const (
	readLimit   = 16 << 20
	logOffWait  = 2 * time.Second
	defaultDial = 15 * time.Second
)

// Dialer открывает websocket-соединения со шлюзом, учитывая прокси аккаунта.
type Dialer struct {
	URL         string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

var _ gc.Dialer = Dialer{}

// Dial реализует gc.Dialer.
func (d Dialer) Dial(ctx context.Context, acc models.BotAccountDetails, h gc.Handler) (gc.Conn, error) {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("username", acc.Username))

	client, err := httpClient(acc, log)
	if err != nil {
		return nil, err
	}

	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDial
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, d.URL, &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", d.URL)
	}
	ws.SetReadLimit(readLimit)

	readCtx, stop := context.WithCancel(context.Background())
	c := &Conn{ws: ws, h: h, log: log, stop: stop}
	go c.readLoop(readCtx)
	return c, nil
}

// httpClient строит клиента с SOCKS5 или HTTP прокси аккаунта.
func httpClient(acc models.BotAccountDetails, log *zap.Logger) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	switch {
	case acc.SocksProxy != "":
		u, err := url.Parse(acc.SocksProxy)
		if err != nil {
			return nil, errors.Wrap(err, "parse socks proxy")
		}
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		d, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return nil, errors.Wrap(err, "proxy dialer")
		}
		dc, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("proxy dialer missing context")
		}
		tr.Proxy = nil
		tr.DialContext = dc.DialContext
		log.Info("[PROXY] socks5", zap.String("addr", u.Host))
	case acc.HTTPProxy != "":
		u, err := url.Parse(acc.HTTPProxy)
		if err != nil {
			return nil, errors.Wrap(err, "parse http proxy")
		}
		tr.Proxy = http.ProxyURL(u)
		log.Info("[PROXY] http", zap.String("addr", u.Host))
	}
	return &http.Client{Transport: tr}, nil
}

// Conn - соединение со шлюзом. Входящие кадры превращаются в события gc.Event.
type Conn struct {
	ws   *websocket.Conn
	h    gc.Handler
	log  *zap.Logger
	stop context.CancelFunc

	closing   atomic.Bool
	closeOnce sync.Once
}

var _ gc.Conn = (*Conn)(nil)

func (c *Conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			// Разрыв без нашего выхода фатален для сессии.
			if c.closing.Load() || ctx.Err() != nil {
				c.h(gc.Event{Kind: gc.EventDisconnected, Err: err})
				return
			}
			c.h(gc.Event{Kind: gc.EventError, Err: errors.Wrap(err, "read")})
			return
		}
		if typ != websocket.MessageBinary {
			c.log.Debug("[WS] пропущен небинарный кадр")
			continue
		}
		f, err := unmarshalFrame(data)
		if err != nil {
			c.log.Warn("[WS] битый кадр", zap.Error(err))
			continue
		}
		if ev, ok := toEvent(f); ok {
			c.h(ev)
		}
	}
}

func toEvent(f frame) (gc.Event, bool) {
	switch f.Op {
	case opLoggedOn:
		return gc.Event{Kind: gc.EventLoggedOn}, true
	case opRefreshToken:
		return gc.Event{Kind: gc.EventRefreshToken, Token: f.Secret}, true
	case opAppLaunched:
		return gc.Event{Kind: gc.EventAppLaunched, AppID: f.AppID}, true
	case opGCMessage:
		return gc.Event{Kind: gc.EventGCMessage, AppID: f.AppID, MsgType: f.MsgType, JobID: f.JobID, Payload: f.Payload}, true
	case opError:
		return gc.Event{Kind: gc.EventError, Err: errors.New(f.Name)}, true
	default:
		return gc.Event{}, false
	}
}

func (c *Conn) write(ctx context.Context, f frame) error {
	data, err := marshalFrame(f)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

func (c *Conn) LogOn(ctx context.Context, d gc.LogOnDetails) error {
	f := frame{Op: opLogOnPassword, Name: d.Username, Secret: d.Password}
	if d.RefreshToken != "" {
		f = frame{Op: opLogOnToken, Name: d.Username, Secret: d.RefreshToken}
	}
	return c.write(ctx, f)
}

func (c *Conn) GamesPlayed(ctx context.Context, appID uint32) error {
	return c.write(ctx, frame{Op: opGamesPlayed, AppID: appID})
}

func (c *Conn) SendToGC(ctx context.Context, msg gc.Message) error {
	return c.write(ctx, frame{Op: opGCMessage, AppID: msg.AppID, MsgType: msg.Type, JobID: msg.JobID, Payload: msg.Payload})
}

// LogOff отправляет выход и закрывает соединение. Повторный вызов ничего не делает.
func (c *Conn) LogOff() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		defer c.stop()

		ctx, cancel := context.WithTimeout(context.Background(), logOffWait)
		defer cancel()
		if werr := c.write(ctx, frame{Op: opLogOff}); werr != nil {
			c.log.Debug("[WS] выход не отправлен", zap.Error(werr))
		}
		err = c.ws.Close(websocket.StatusNormalClosure, "log off")
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = nil
		}
	})
	return err
}
