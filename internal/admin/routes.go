package admin

import "github.com/gin-gonic/gin"

// SetupRoutes регистрирует маршруты администратора.
func SetupRoutes(r *gin.RouterGroup, h *Handler) {
	r.POST("/update-config", h.UpdateConfig)
	r.GET("/accounts", h.Accounts)
}
