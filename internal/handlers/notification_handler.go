package handlers

import (
	"net/http"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NotificationHandler 员工站内通知与实时推送连接
type NotificationHandler struct {
	service *services.NotificationService
	hub     *services.NotificationHub
	logger  *logrus.Logger
}

func NewNotificationHandler(service *services.NotificationService, hub *services.NotificationHub, logger *logrus.Logger) *NotificationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NotificationHandler{service: service, hub: hub, logger: logger}
}

// HandleWebSocket 升级为 WebSocket，接收该员工的实时通知
func (h *NotificationHandler) HandleWebSocket(c *gin.Context) {
	staffID, ok := parseUintQuery(c, "staff_id")
	if !ok {
		return
	}
	if err := h.hub.Serve(c.Writer, c.Request, staffID); err != nil {
		h.logger.Warnf("WebSocket connection for staff %d failed: %v", staffID, err)
	}
}

// GetStats 在线连接统计
func (h *NotificationHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"client_count": h.hub.GetClientCount()},
	})
}

// List 员工的通知列表
func (h *NotificationHandler) List(c *gin.Context) {
	staffID, ok := parseUintQuery(c, "staff_id")
	if !ok {
		return
	}
	var q struct {
		Unread bool `form:"unread"`
		Limit  int  `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error(), Code: http.StatusBadRequest})
		return
	}
	rows, err := h.service.ListForStaff(c.Request.Context(), staffID, q.Unread, q.Limit)
	if err != nil {
		respondError(c, h.logger, "Failed to list notifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "online": h.hub.IsOnline(staffID)})
}

// MarkRead 标记已读
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	staffID, ok := parseUintQuery(c, "staff_id")
	if !ok {
		return
	}
	if err := h.service.MarkRead(c.Request.Context(), staffID, id); err != nil {
		respondError(c, h.logger, "Failed to mark notification read", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok"})
}

// RegisterNotificationRoutes 注册路由
func RegisterNotificationRoutes(r *gin.RouterGroup, handler *NotificationHandler) {
	r.GET("/ws/notifications", handler.HandleWebSocket)
	r.GET("/ws/stats", handler.GetStats)
	r.GET("/notifications", handler.List)
	r.POST("/notifications/:id/read", handler.MarkRead)
}
