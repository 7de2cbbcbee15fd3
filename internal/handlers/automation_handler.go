package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/automation"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EventPublisher 领域事件入口，由 events.Bus 实现
type EventPublisher interface {
	Publish(ctx context.Context, e automation.DomainEvent) error
}

// AutomationHandler 自动化规则管理、执行记录与事件接入
type AutomationHandler struct {
	service *services.AutomationService
	events  EventPublisher
	logger  *logrus.Logger
}

func NewAutomationHandler(service *services.AutomationService, events EventPublisher, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{service: service, events: events, logger: logger}
}

// ListRules 规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	var req services.RuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error(), Code: http.StatusBadRequest})
		return
	}
	rules, total, err := h.service.ListRules(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to list rules", err)
		return
	}
	c.JSON(http.StatusOK, paginated(rules, total, req.Page, req.PageSize))
}

// CreateRule 创建规则；校验失败时返回全部问题
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error(), Code: http.StatusBadRequest})
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetRule 规则详情
func (h *AutomationHandler) GetRule(c *gin.Context) {
	rule, err := h.service.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 整体更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error(), Code: http.StatusBadRequest})
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	if err := h.service.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetEnabled 启用或停用规则
func (h *AutomationHandler) SetEnabled(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error(), Code: http.StatusBadRequest})
		return
	}
	rule, err := h.service.SetEnabled(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		respondError(c, h.logger, "Failed to toggle rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

type runRequest struct {
	Values   map[string]interface{} `json:"values"`
	Operator string                 `json:"operator"`
}

// RunRule 立即执行规则，返回执行记录
func (h *AutomationHandler) RunRule(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error(), Code: http.StatusBadRequest})
			return
		}
	}
	operator := strings.TrimSpace(c.GetHeader("X-Operator"))
	if operator == "" {
		operator = req.Operator
	}

	entry, err := h.service.RunRule(c.Request.Context(), c.Param("id"), req.Values, operator)
	if err != nil {
		respondError(c, h.logger, "Failed to run rule", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ListLogs 执行记录
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	var q services.LogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error(), Code: http.StatusBadRequest})
		return
	}
	if id := c.Param("id"); id != "" {
		q.RuleID = id
	}
	logs, total, err := h.service.ListLogs(c.Request.Context(), q)
	if err != nil {
		respondError(c, h.logger, "Failed to list execution logs", err)
		return
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 || q.PageSize > 200 {
		q.PageSize = 20
	}
	c.JSON(http.StatusOK, paginated(logs, total, q.Page, q.PageSize))
}

// ListActions 已注册的动作类型与配置 schema
func (h *AutomationHandler) ListActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"actions": h.service.ListActionKinds()})
}

// PublishEvent 接收业务系统的领域事件并投递到事件总线
func (h *AutomationHandler) PublishEvent(c *gin.Context) {
	if h.events == nil {
		respondError(c, h.logger, "Event ingestion unavailable", services.ErrEngineUnavailable)
		return
	}
	var e automation.DomainEvent
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error(), Code: http.StatusBadRequest})
		return
	}
	if err := h.events.Publish(c.Request.Context(), e); err != nil {
		respondError(c, h.logger, "Failed to publish event", err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "accepted", Data: gin.H{"event_type": e.EventType, "entity_id": e.EntityID}})
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automation")
	{
		auto.GET("/rules", handler.ListRules)
		auto.POST("/rules", handler.CreateRule)
		auto.GET("/rules/:id", handler.GetRule)
		auto.PUT("/rules/:id", handler.UpdateRule)
		auto.DELETE("/rules/:id", handler.DeleteRule)
		auto.PATCH("/rules/:id/enabled", handler.SetEnabled)
		auto.POST("/rules/:id/run", handler.RunRule)
		auto.GET("/rules/:id/logs", handler.ListLogs)
		auto.GET("/logs", handler.ListLogs)
		auto.GET("/actions", handler.ListActions)
		auto.POST("/events", handler.PublishEvent)
	}
}
