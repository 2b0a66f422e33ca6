package pool_api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRoutes регистрирует маршруты пула. Авторизация подключается группой.
func SetupRoutes(r *gin.RouterGroup, p Pool, log *zap.Logger) {
	h := NewHandler(p, log)
	r.POST("/invoke-job", h.InvokeJob)
}
