package gc

import "github.com/go-faster/errors"

var (
	// ErrAborted - сработал выключатель сессии. Ошибка постоянная:
	// восстановиться можно только созданием новой сессии.
	ErrAborted = errors.New("session aborted")
	// ErrHandshakeTimeout - вход или рукопожатие не уложились в таймаут.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrJobTimeout - ответ на задачу не пришёл вовремя.
	ErrJobTimeout = errors.New("job timeout")
	// ErrJob - задачу не удалось отправить.
	ErrJob = errors.New("job failed")
	// ErrTimeout - событие не пришло за отведённое время.
	ErrTimeout = errors.New("wait timeout")
)
