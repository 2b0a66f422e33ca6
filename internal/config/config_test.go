package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gcpool/models"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("ADMIN_KEY", "secret-key")
	t.Setenv("RELOGIN_INTERVAL", "30m")

	e, err := LoadEnv()
	if err != nil {
		t.Fatalf("разбор окружения: %v", err)
	}
	if e.Port != "4245" || e.AppID != 1422450 || e.HelloMsgType != 4006 {
		t.Fatalf("неожиданные значения по умолчанию: %+v", e)
	}
	tuning := e.Tuning()
	if tuning.ReloginInterval != 30*time.Minute {
		t.Fatalf("интервал перелогина не применён: %v", tuning.ReloginInterval)
	}
	if tuning.DispatchRetries != 3 || tuning.DispatchBackoff != 2*time.Second || tuning.ResetDrain != 20*time.Second {
		t.Fatalf("неожиданные параметры пула: %+v", tuning)
	}
}

func TestLoadEnvValidation(t *testing.T) {
	t.Setenv("ADMIN_KEY", "abc")
	if _, err := LoadEnv(); err == nil {
		t.Fatal("короткий ADMIN_KEY должен отклоняться")
	}

	t.Setenv("ADMIN_KEY", "secret-key")
	t.Setenv("TOKEN_STORE", TokenStorePostgres)
	if _, err := LoadEnv(); err == nil {
		t.Fatal("postgres без POSTGRES_DSN должен отклоняться")
	}

	t.Setenv("TOKEN_STORE", "redis")
	if _, err := LoadEnv(); err == nil {
		t.Fatal("неизвестное хранилище токенов должно отклоняться")
	}

	t.Setenv("TOKEN_STORE", TokenStoreFile)
	t.Setenv("METRICS_ENDPOINT", "http://127.0.0.1:4318/v1/metrics")
	t.Setenv("METRICS_INTERVAL", "0s")
	if _, err := LoadEnv(); err == nil {
		t.Fatal("нулевой интервал экспорта метрик должен отклоняться")
	}
}

func TestParseYAML(t *testing.T) {
	cfg, err := ParseYAML(`
accounts:
  - username: alice
    password: pw
    socksProxy: socks5://127.0.0.1:1080
authorizedBearers:
  - key: k1
    label: client
`)
	if err != nil {
		t.Fatalf("разбор YAML: %v", err)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].SocksProxy != "socks5://127.0.0.1:1080" {
		t.Fatalf("неожиданные аккаунты: %+v", cfg.Accounts)
	}
	if len(cfg.AuthorizedBearers) != 1 || cfg.AuthorizedBearers[0].Label != "client" {
		t.Fatalf("неожиданные ключи: %+v", cfg.AuthorizedBearers)
	}

	bad := []string{
		"accounts:\n  - username: alice\n",
		"accounts: []\nauthorizedBearers:\n  - key: k1\n",
		"accounts: []\nunknown: 1\n",
		"accounts: [",
	}
	for _, src := range bad {
		if _, err := ParseYAML(src); err == nil {
			t.Fatalf("ожидалась ошибка для %q", src)
		}
	}
}

func TestStoreWriteRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	s := NewStore(dir)

	cfg, err := s.Read()
	if err != nil {
		t.Fatalf("чтение отсутствующего файла: %v", err)
	}
	if len(cfg.Accounts) != 0 || len(cfg.AuthorizedBearers) != 0 {
		t.Fatalf("ожидалась пустая конфигурация: %+v", cfg)
	}

	want := Config{AuthorizedBearers: []Bearer{{Key: "k1", Label: "client"}}}
	if err := s.Write(want); err != nil {
		t.Fatalf("запись: %v", err)
	}
	if _, ok := s.Authorized("k1"); ok {
		t.Fatal("ключ становится действующим только после чтения")
	}
	if _, err := s.Read(); err != nil {
		t.Fatalf("чтение: %v", err)
	}
	if b, ok := s.Authorized("k1"); !ok || b.Label != "client" {
		t.Fatalf("ключ k1 должен быть допущен: %+v %v", b, ok)
	}
	if _, ok := s.Authorized(""); ok {
		t.Fatal("пустой ключ не допускается")
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("временный файл не удалён: %v", err)
	}
}

func TestStoreReadInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(dir).Read(); err == nil {
		t.Fatal("повреждённый config.json должен возвращать ошибку")
	}
}

func TestUsernameEscapingTokensDirRejected(t *testing.T) {
	for _, u := range []string{"../evil", "a/b", `a\b`, "..", ".", "x/../../etc", "/abs"} {
		cfg := Config{Accounts: []models.BotAccountDetails{{Username: u, Password: "pw"}}}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("имя %q должно отклоняться", u)
		}
	}
	if _, err := ParseYAML("accounts:\n  - username: ../../tmp/x\n    password: pw\n"); err == nil {
		t.Fatal("имя с .. в YAML должно отклоняться")
	}

	dir := t.TempDir()
	for _, u := range []string{"alice", "bob.smith", "user_1"} {
		cfg := Config{Accounts: []models.BotAccountDetails{{Username: u, Password: "pw"}}}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("имя %q должно приниматься: %v", u, err)
		}
		if got := filepath.Dir(TokenPath(dir, u)); got != dir {
			t.Fatalf("файл токена %q вне каталога %q", TokenPath(dir, u), dir)
		}
	}
}
