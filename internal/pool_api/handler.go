package pool_api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"gcpool/internal/httputil"
	"gcpool/models"
)

// Pool - операции пула, нужные обработчикам.
type Pool interface {
	InvokeJob(ctx context.Context, job models.Job) models.JobResult
	StatusCounts(ctx context.Context) (map[models.AccountStatus]int, error)
}

type Handler struct {
	Pool Pool
	Log  *zap.Logger
}

func NewHandler(p Pool, log *zap.Logger) *Handler {
	return &Handler{Pool: p, Log: log}
}

type rateLimitInput struct {
	MessagePeriodMillis int64 `json:"messagePeriodMillis" binding:"required,gt=0"`
	// Не используется, принимается для совместимости клиентов.
	GlobalPeriodMillis *int64 `json:"globalPeriodMillis"`
}

type invokeJobInput struct {
	MessageType            uint32          `json:"messageType" binding:"required,gt=0"`
	TimeoutMillis          int64           `json:"timeoutMillis" binding:"required,gte=1000"`
	RateLimit              *rateLimitInput `json:"rateLimit" binding:"required"`
	LimitBufferingBehavior string          `json:"limitBufferingBehavior" binding:"required,oneof=wait too_many_requests"`
	Data                   string          `json:"data"`
}

type invokeJobOutput struct {
	Data     string `json:"data"`
	Username string `json:"username"`
}

// InvokeJob выполняет задачу на свободном аккаунте пула.
func (h *Handler) InvokeJob(c *gin.Context) {
	var input invokeJobInput
	if err := c.ShouldBindJSON(&input); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			httputil.RespondError(c, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		httputil.RespondError(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(input.Data)
	if err != nil {
		httputil.RespondError(c, http.StatusUnprocessableEntity, "data must be base64")
		return
	}

	res := h.Pool.InvokeJob(c.Request.Context(), models.Job{
		MessageType:     input.MessageType,
		Payload:         payload,
		Timeout:         time.Duration(input.TimeoutMillis) * time.Millisecond,
		RateLimitPeriod: time.Duration(input.RateLimit.MessagePeriodMillis) * time.Millisecond,
		Buffering:       models.BufferingBehavior(input.LimitBufferingBehavior),
	})

	switch res.Kind {
	case models.JobOK:
		c.JSON(http.StatusOK, invokeJobOutput{
			Data:     base64.StdEncoding.EncodeToString(res.Data),
			Username: res.Username,
		})
	case models.JobRateLimited:
		httputil.RespondError(c, http.StatusTooManyRequests,
			fmt.Sprintf("Couldn't find a non-rate-limited bot for messageType: %d", input.MessageType))
	default:
		h.Log.Warn("[API] задача завершилась ошибкой",
			zap.String("request_id", httputil.GetRequestID(c)),
			zap.Uint32("message_type", input.MessageType),
			zap.String("username", res.Username),
			zap.String("error", res.Message),
		)
		httputil.RespondError(c, http.StatusInternalServerError, "Error: "+res.Message)
	}
}

// Health сообщает, что сервис жив, и показывает число аккаунтов по статусам.
func (h *Handler) Health(c *gin.Context) {
	counts, err := h.Pool.StatusCounts(c.Request.Context())
	if err != nil {
		h.Log.Error("[API] ошибка подсчёта аккаунтов", zap.Error(err))
		httputil.RespondError(c, http.StatusInternalServerError, "Storage error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": counts})
}
