package gc

import (
	"context"
	"fmt"

	"gcpool/models"
)

// EventKind - тип события, приходящего от соединения с координатором.
type EventKind int

const (
	EventLoggedOn EventKind = iota + 1
	EventAppLaunched
	EventGCMessage
	EventRefreshToken
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLoggedOn:
		return "loggedOn"
	case EventAppLaunched:
		return "appLaunched"
	case EventGCMessage:
		return "receivedFromGC"
	case EventRefreshToken:
		return "refreshToken"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event - одно событие соединения.
type Event struct {
	Kind    EventKind
	AppID   uint32
	MsgType uint32
	// JobID - идентификатор задачи, на которую отвечает сообщение.
	// Ноль означает сообщение без корреляции.
	JobID   uint64
	Payload []byte
	Token   string
	Err     error
}

// Handler получает события соединения в порядке их поступления.
type Handler func(Event)

// LogOnDetails - данные для входа. Если RefreshToken задан, пароль не используется.
type LogOnDetails struct {
	Username     string
	Password     string
	RefreshToken string
}

// Message - исходящее сообщение координатору.
type Message struct {
	AppID   uint32
	Type    uint32
	JobID   uint64
	Payload []byte
}

// Conn - одно живое соединение с координатором.
// Ответы и служебные события доставляются через Handler, переданный в Dialer.
type Conn interface {
	LogOn(ctx context.Context, details LogOnDetails) error
	GamesPlayed(ctx context.Context, appID uint32) error
	SendToGC(ctx context.Context, msg Message) error
	LogOff() error
}

// Dialer открывает соединение для аккаунта.
type Dialer interface {
	Dial(ctx context.Context, account models.BotAccountDetails, h Handler) (Conn, error)
}
