// Package config читает настройки процесса из окружения и хранит
// изменяемую конфигурацию аккаунтов в config.json.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-faster/errors"

	"gcpool/internal/pool"
)

// Способы хранения refresh-токенов.
const (
	TokenStoreFile     = "file"
	TokenStorePostgres = "postgres"
)

// Env - настройки процесса из переменных окружения.
type Env struct {
	AdminKey       string `env:"ADMIN_KEY,required"`
	TokensCacheDir string `env:"TOKENS_CACHE_DIR" envDefault:"./tokens"`
	ConfigStoreDir string `env:"CONFIG_STORE_DIR" envDefault:"./config"`
	Port           string `env:"PORT" envDefault:"4245"`
	Debug          bool   `env:"DEBUG"`

	MetricsEndpoint string        `env:"METRICS_ENDPOINT"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"30s"`

	TokenStore  string `env:"TOKEN_STORE" envDefault:"file"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	GatewayURL         string        `env:"GC_GATEWAY_URL" envDefault:"ws://127.0.0.1:27080/gc"`
	AppID              uint32        `env:"GC_APP_ID" envDefault:"1422450"`
	HelloMsgType       uint32        `env:"GC_HELLO_MSG_TYPE" envDefault:"4006"`
	ReadyMsgType       uint32        `env:"GC_READY_MSG_TYPE"`
	GatewayDialTimeout time.Duration `env:"GC_DIAL_TIMEOUT" envDefault:"15s"`

	ReloginInterval      time.Duration `env:"RELOGIN_INTERVAL" envDefault:"12h"`
	FastRecoveryInterval time.Duration `env:"FAST_RECOVERY_INTERVAL" envDefault:"1m"`
	SlowRecoveryInterval time.Duration `env:"SLOW_RECOVERY_INTERVAL" envDefault:"15m"`
	ResetDrainDelay      time.Duration `env:"RESET_DRAIN_DELAY" envDefault:"20s"`
	DispatchRetryBase    time.Duration `env:"DISPATCH_RETRY_BASE" envDefault:"2s"`
	DispatchMaxRetries   int           `env:"DISPATCH_MAX_RETRIES" envDefault:"3"`
	FastRecoveryBase     time.Duration `env:"FAST_RECOVERY_BASE" envDefault:"10s"`
	SlowRecoveryBase     time.Duration `env:"SLOW_RECOVERY_BASE" envDefault:"30s"`
	RecoveryMaxRetries   int           `env:"RECOVERY_MAX_RETRIES" envDefault:"5"`
}

// LoadEnv разбирает окружение и проверяет значения.
func LoadEnv() (Env, error) {
	e, err := env.ParseAs[Env]()
	if err != nil {
		return Env{}, errors.Wrap(err, "parse env")
	}
	if err := e.Validate(); err != nil {
		return Env{}, err
	}
	return e, nil
}

// Validate проверяет согласованность настроек.
func (e Env) Validate() error {
	if len(e.AdminKey) < 5 {
		return errors.New("ADMIN_KEY must be at least 5 characters")
	}
	switch e.TokenStore {
	case TokenStoreFile:
		if e.TokensCacheDir == "" {
			return errors.New("TOKENS_CACHE_DIR is required for file token store")
		}
	case TokenStorePostgres:
		if e.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for postgres token store")
		}
	default:
		return errors.Errorf("unknown TOKEN_STORE %q", e.TokenStore)
	}
	if e.MetricsEndpoint != "" && e.MetricsInterval <= 0 {
		return errors.New("METRICS_INTERVAL must be positive")
	}
	if e.DispatchMaxRetries < 0 || e.RecoveryMaxRetries < 0 {
		return errors.New("retry counts must not be negative")
	}
	return nil
}

// Tuning переносит интервалы и повторы в параметры пула.
func (e Env) Tuning() pool.Tuning {
	t := pool.DefaultTuning()
	t.ReloginInterval = e.ReloginInterval
	t.FastRecoveryInterval = e.FastRecoveryInterval
	t.SlowRecoveryInterval = e.SlowRecoveryInterval
	t.ResetDrain = e.ResetDrainDelay
	t.DispatchBackoff = e.DispatchRetryBase
	t.DispatchRetries = e.DispatchMaxRetries
	t.FastRecoveryBase = e.FastRecoveryBase
	t.SlowRecoveryBase = e.SlowRecoveryBase
	t.RecoveryMaxRetries = e.RecoveryMaxRetries
	return t
}
