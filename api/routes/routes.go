package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/memory-pipeline/api/handlers"
	"github.com/feichai0017/memory-pipeline/api/middleware"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, metrics http.Handler, origins []string, log logger.Logger) {
	// 全局中间件
	r.Use(middleware.RequestID(), middleware.AccessLog(log), middleware.CORS(origins))

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/health", h.Health.Check)

	v1.POST("/upload", h.Memory.Upload)
	v1.GET("/upload-status", h.Memory.UploadStatus)
	v1.DELETE("/documents", h.Memory.DeleteDocument)

	v1.GET("/indexes", h.Memory.ListIndexes)
	v1.DELETE("/indexes", h.Memory.DeleteIndex)

	v1.POST("/search", h.Memory.Search)
	v1.POST("/ask", h.Memory.Ask)
}
