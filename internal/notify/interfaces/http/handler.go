// Package http 记录读取的 HTTP 接口
package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/notifyhub/internal/notify/application"
	"github.com/wyfcoding/notifyhub/pkg/logger"
)

// RecordHandler 记录查询 HTTP 处理器
type RecordHandler struct {
	app *application.NotifyService
}

// NewRecordHandler 创建 HTTP 处理器实例
func NewRecordHandler(app *application.NotifyService) *RecordHandler {
	return &RecordHandler{app: app}
}

// RegisterRoutes 注册路由
func (h *RecordHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/records")
	{
		api.GET("/:id", h.GetRecord)
		api.GET("", h.ListRecords)
	}
}

// GetRecord 按记录 ID 查询
func (h *RecordHandler) GetRecord(c *gin.Context) {
	recordID := c.Param("id")

	record, err := h.app.GetRecord(c.Request.Context(), recordID)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to get record", "record_id", recordID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get record"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}

	c.JSON(http.StatusOK, record)
}

// ListRecords 按分区键分页查询
func (h *RecordHandler) ListRecords(c *gin.Context) {
	targetKey := c.Query("target_key")
	if targetKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_key is required"})
		return
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_size"})
		return
	}

	records, pagination, err := h.app.ListRecords(c.Request.Context(), targetKey, page, pageSize)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to list records", "target_key", targetKey, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records":    records,
		"pagination": pagination,
	})
}
