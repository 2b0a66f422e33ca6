package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"

	"gcpool/models"
)

const fileName = "config.json"

// Bearer - ключ доступа к пулу.
type Bearer struct {
	Key   string `json:"key" yaml:"key"`
	Label string `json:"label" yaml:"label"`
}

// Config - аккаунты пула и допущенные ключи.
type Config struct {
	Accounts          []models.BotAccountDetails `json:"accounts" yaml:"accounts"`
	AuthorizedBearers []Bearer                   `json:"authorizedBearers" yaml:"authorizedBearers"`
}

// Validate проверяет обязательные поля.
func (c Config) Validate() error {
	for i, acc := range c.Accounts {
		if strings.TrimSpace(acc.Username) == "" {
			return errors.Errorf("accounts[%d]: username is required", i)
		}
		if !safeUsername(acc.Username) {
			return errors.Errorf("accounts[%d]: username %q must not contain path separators or dot segments", i, acc.Username)
		}
		if acc.Password == "" {
			return errors.Errorf("accounts[%d]: password is required", i)
		}
	}
	for i, b := range c.AuthorizedBearers {
		if b.Key == "" || b.Label == "" {
			return errors.Errorf("authorizedBearers[%d]: key and label are required", i)
		}
	}
	return nil
}

// safeUsername сообщает, можно ли использовать имя как часть имени файла.
func safeUsername(u string) bool {
	if u == "." || u == ".." || strings.Contains(u, "..") {
		return false
	}
	if strings.ContainsAny(u, `/\`+"\x00") {
		return false
	}
	return filepath.Base(u) == u
}

// TokenPath - путь к файлу refresh-токена аккаунта в каталоге dir.
// Имя должно пройти проверку Config.Validate.
func TokenPath(dir, username string) string {
	return filepath.Join(dir, username+"_token.txt")
}

// ParseYAML разбирает конфигурацию, присланную администратором.
func ParseYAML(src string) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(src))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Store хранит config.json и последнюю прочитанную из него версию.
type Store struct {
	dir string

	mu  sync.RWMutex
	cur Config
}

// NewStore создаёт хранилище в каталоге dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path() string { return filepath.Join(s.dir, fileName) }

// Read читает config.json. Если файла нет, возвращает пустую конфигурацию.
func (s *Store) Read() (Config, error) {
	var cfg Config
	data, err := os.ReadFile(s.path())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, errors.Wrap(err, "read config")
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "decode config")
		}
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
	}

	s.mu.Lock()
	s.cur = cfg
	s.mu.Unlock()
	return cfg, nil
}

// Write сохраняет конфигурацию. Текущей она становится после Read.
func (s *Store) Write(cfg Config) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "create config dir")
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	// Пишем через временный файл, чтобы не оставить обрезанный config.json.
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write config")
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return errors.Wrap(err, "replace config")
	}
	return nil
}

// Current возвращает последнюю прочитанную конфигурацию.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Authorized сообщает, допущен ли ключ текущей конфигурацией.
func (s *Store) Authorized(key string) (Bearer, bool) {
	if key == "" {
		return Bearer{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.cur.AuthorizedBearers {
		if b.Key == key {
			return b, true
		}
	}
	return Bearer{}, false
}

// Dir возвращает каталог хранилища.
func (s *Store) Dir() string { return s.dir }
