package admin

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gcpool/internal/config"
	"gcpool/internal/httputil"
	"gcpool/models"
)

// Pool - операции пула, доступные администратору.
type Pool interface {
	SyncBotAccounts(ctx context.Context, accounts []models.BotAccountDetails) error
	Accounts(ctx context.Context) ([]models.Account, error)
}

type Handler struct {
	Pool  Pool
	Store *config.Store
	Log   *zap.Logger

	// base живёт столько же, сколько сервер: синхронизация переживает запрос.
	base  context.Context
	syncs sync.WaitGroup
}

func NewHandler(base context.Context, p Pool, store *config.Store, log *zap.Logger) *Handler {
	return &Handler{Pool: p, Store: store, Log: log, base: base}
}

type updateConfigInput struct {
	ConfigYAML string `json:"configYaml" binding:"required"`
}

// UpdateConfig сохраняет новую конфигурацию и запускает синхронизацию
// в фоне. Ответ не ждёт её завершения.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var input updateConfigInput
	if err := c.ShouldBindJSON(&input); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid request")
		return
	}

	cfg, err := config.ParseYAML(input.ConfigYAML)
	if err != nil {
		h.Log.Warn("[ADMIN] некорректная конфигурация", zap.Error(err))
		httputil.RespondError(c, http.StatusBadRequest, "Failed to parse config")
		return
	}
	if err := h.Store.Write(cfg); err != nil {
		h.Log.Error("[ADMIN] ошибка записи конфигурации", zap.Error(err))
		httputil.RespondError(c, http.StatusInternalServerError, "Failed to store config")
		return
	}
	// Синхронизируем ровно то, что легло на диск.
	stored, err := h.Store.Read()
	if err != nil {
		h.Log.Error("[ADMIN] ошибка чтения конфигурации", zap.Error(err))
		httputil.RespondError(c, http.StatusInternalServerError, "Failed to read config")
		return
	}

	h.Log.Info("[ADMIN] конфигурация обновлена",
		zap.Int("accounts", len(stored.Accounts)),
		zap.Int("bearers", len(stored.AuthorizedBearers)),
	)
	h.syncs.Add(1)
	go func() {
		defer h.syncs.Done()
		if err := h.Pool.SyncBotAccounts(h.base, stored.Accounts); err != nil {
			h.Log.Error("[ADMIN] ошибка синхронизации", zap.Error(err))
			return
		}
		h.Log.Info("[ADMIN] синхронизация завершена")
	}()

	c.JSON(http.StatusOK, gin.H{})
}

// Accounts возвращает аккаунты пула со статусами. Пароли не отдаются.
func (h *Handler) Accounts(c *gin.Context) {
	accounts, err := h.Pool.Accounts(c.Request.Context())
	if err != nil {
		h.Log.Error("[ADMIN] ошибка чтения аккаунтов", zap.Error(err))
		httputil.RespondError(c, http.StatusInternalServerError, "Storage error")
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// Wait ждёт завершения запущенных синхронизаций.
func (h *Handler) Wait() {
	h.syncs.Wait()
}
