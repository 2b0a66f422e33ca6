package models

import (
	"fmt"
	"time"
)

// BufferingBehavior определяет поведение, когда свободного аккаунта нет.
type BufferingBehavior string

const (
	// BufferTooManyRequests сразу возвращает RateLimited.
	BufferTooManyRequests BufferingBehavior = "too_many_requests"
	// BufferWait повторяет попытку захвата до истечения таймаута задачи.
	BufferWait BufferingBehavior = "wait"
)

// Job - одна задача для координатора. Живёт только в рамках вызова.
type Job struct {
	MessageType     uint32
	Payload         []byte
	Timeout         time.Duration
	RateLimitPeriod time.Duration
	Buffering       BufferingBehavior
}

// RateLimitKey возвращает пространство имён лимита для типа сообщения.
func (j Job) RateLimitKey() string {
	return RateLimitKey(j.MessageType)
}

// RateLimitKey строит ключ лимита по типу сообщения.
func RateLimitKey(messageType uint32) string {
	return fmt.Sprintf("MSG-%d", messageType)
}

// JobResultKind классифицирует исход задачи.
type JobResultKind int

const (
	JobOK JobResultKind = iota
	JobRateLimited
	JobOtherError
)

func (k JobResultKind) String() string {
	switch k {
	case JobOK:
		return "ok"
	case JobRateLimited:
		return "rate_limited"
	case JobOtherError:
		return "other_error"
	default:
		return fmt.Sprintf("JobResultKind(%d)", int(k))
	}
}

// JobResult - классифицированный ответ диспетчера.
type JobResult struct {
	Kind     JobResultKind
	Username string
	Data     []byte
	Message  string
}
