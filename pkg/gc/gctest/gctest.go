// Package gctest содержит поддельный координатор для тестов сессий и пула.
package gctest

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"gcpool/models"
	"gcpool/pkg/gc"
)

// Responder решает, что ответить на задачу. false - не отвечать вовсе.
type Responder func(username string, msg gc.Message) ([]byte, bool)

// Coordinator имитирует координатор: отвечает на вход, запуск приложения,
// приветствие и задачи. Поведение настраивается до и во время теста.
type Coordinator struct {
	HelloType uint32
	ReadyType uint32

	mu         sync.Mutex
	respond    Responder
	dialErr    error
	silent     map[string]bool
	token      map[string]string
	logons     []gc.LogOnDetails
	conns      []*Conn
	dialCount  map[string]int
	logOffs    int
	sentByType map[uint32]int
}

// NewCoordinator создаёт координатор, который отвечает эхом на любую задачу.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		HelloType:  gc.DefaultHelloType,
		respond:    Echo,
		silent:     make(map[string]bool),
		token:      make(map[string]string),
		dialCount:  make(map[string]int),
		sentByType: make(map[uint32]int),
	}
}

// Echo отвечает содержимым запроса.
func Echo(_ string, msg gc.Message) ([]byte, bool) {
	return msg.Payload, true
}

// SetResponder меняет обработчик задач.
func (c *Coordinator) SetResponder(r Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respond = r
}

// SetDialError заставляет все следующие подключения завершаться ошибкой.
func (c *Coordinator) SetDialError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialErr = err
}

// SetSilent включает режим, в котором аккаунт не получает подтверждения входа.
func (c *Coordinator) SetSilent(username string, silent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silent[username] = silent
}

// IssueToken задаёт токен, который координатор выдаст при следующем входе.
func (c *Coordinator) IssueToken(username, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token[username] = token
}

// LogOns возвращает все запросы входа.
func (c *Coordinator) LogOns() []gc.LogOnDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gc.LogOnDetails(nil), c.logons...)
}

// Dials возвращает число подключений аккаунта.
func (c *Coordinator) Dials(username string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialCount[username]
}

// LogOffs возвращает число выходов.
func (c *Coordinator) LogOffs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logOffs
}

// Sent возвращает число отправленных сообщений указанного типа.
func (c *Coordinator) Sent(msgType uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentByType[msgType]
}

// Last возвращает последнее открытое соединение аккаунта.
func (c *Coordinator) Last(username string) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.conns) - 1; i >= 0; i-- {
		if c.conns[i].username == username {
			return c.conns[i]
		}
	}
	return nil
}

// Dial реализует gc.Dialer.
func (c *Coordinator) Dial(_ context.Context, acc models.BotAccountDetails, h gc.Handler) (gc.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialCount[acc.Username]++
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	conn := &Conn{coord: c, username: acc.Username, h: h, events: make(chan gc.Event, 64), done: make(chan struct{})}
	go conn.pump()
	c.conns = append(c.conns, conn)
	return conn, nil
}

// Conn - поддельное соединение. События доставляются по порядку из отдельной горутины.
type Conn struct {
	coord    *Coordinator
	username string
	h        gc.Handler

	mu     sync.Mutex
	closed bool
	events chan gc.Event
	done   chan struct{}
}

func (c *Conn) pump() {
	for {
		select {
		case ev := <-c.events:
			c.h(ev)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) emit(ev gc.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// Fail имитирует фатальную ошибку транспорта.
func (c *Conn) Fail(err error) {
	c.emit(gc.Event{Kind: gc.EventError, Err: err})
}

// Closed сообщает, был ли выполнен выход.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) LogOn(_ context.Context, details gc.LogOnDetails) error {
	c.coord.mu.Lock()
	c.coord.logons = append(c.coord.logons, details)
	silent := c.coord.silent[c.username]
	token := c.coord.token[c.username]
	delete(c.coord.token, c.username)
	c.coord.mu.Unlock()

	if token != "" {
		c.emit(gc.Event{Kind: gc.EventRefreshToken, Token: token})
	}
	if !silent {
		c.emit(gc.Event{Kind: gc.EventLoggedOn})
	}
	return nil
}

func (c *Conn) GamesPlayed(_ context.Context, appID uint32) error {
	c.emit(gc.Event{Kind: gc.EventAppLaunched, AppID: appID})
	return nil
}

func (c *Conn) SendToGC(_ context.Context, msg gc.Message) error {
	if c.Closed() {
		return errors.New("connection closed")
	}
	c.coord.mu.Lock()
	c.coord.sentByType[msg.Type]++
	respond := c.coord.respond
	helloType, readyType := c.coord.HelloType, c.coord.ReadyType
	c.coord.mu.Unlock()

	if msg.Type == helloType && msg.JobID == 0 {
		c.emit(gc.Event{Kind: gc.EventGCMessage, AppID: msg.AppID, MsgType: readyType})
		return nil
	}
	if msg.JobID == 0 || respond == nil {
		return nil
	}
	payload, ok := respond(c.username, msg)
	if !ok {
		return nil
	}
	c.emit(gc.Event{Kind: gc.EventGCMessage, AppID: msg.AppID, MsgType: msg.Type + 1, JobID: msg.JobID, Payload: payload})
	return nil
}

func (c *Conn) LogOff() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.coord.mu.Lock()
	c.coord.logOffs++
	c.coord.mu.Unlock()
	return nil
}
