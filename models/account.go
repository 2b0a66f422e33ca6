package models

import "time"

// AccountStatus описывает состояние здоровья аккаунта в пуле.
type AccountStatus string

const (
	// StatusPreparing - аккаунт только добавлен, сессия ещё не инициализирована.
	StatusPreparing AccountStatus = "PREPARING"
	// StatusReady - аккаунт можно выбирать для выполнения задач.
	StatusReady AccountStatus = "READY"
	// StatusPaused - аккаунт временно недоступен и ждёт быстрого восстановления.
	StatusPaused AccountStatus = "PAUSED"
	// StatusFailed - аккаунт недоступен и ждёт медленного восстановления.
	StatusFailed AccountStatus = "FAILED"
	// StatusDead - аккаунт удаляется из пула, состояние конечное.
	StatusDead AccountStatus = "DEAD"
)

// AllStatuses перечисляет статусы в порядке жизненного цикла.
var AllStatuses = []AccountStatus{StatusPreparing, StatusReady, StatusPaused, StatusFailed, StatusDead}

// Valid сообщает, известен ли статус.
func (s AccountStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Account - запись реестра аккаунтов.
type Account struct {
	Username        string        `json:"username"`
	Password        string        `json:"-"`
	HTTPProxy       string        `json:"http_proxy,omitempty"`
	SocksProxy      string        `json:"socks_proxy,omitempty"`
	Status          AccountStatus `json:"status"`
	StatusUpdatedAt time.Time     `json:"status_updated_at"`
}

// BotAccountDetails - желаемое описание аккаунта из конфигурации.
type BotAccountDetails struct {
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password" yaml:"password"`
	HTTPProxy  string `json:"httpProxy,omitempty" yaml:"httpProxy,omitempty"`
	SocksProxy string `json:"socksProxy,omitempty" yaml:"socksProxy,omitempty"`
}
