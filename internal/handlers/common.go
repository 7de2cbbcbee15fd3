package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/automation"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string                  `json:"error"`
	Message string                  `json:"message"`
	Code    int                     `json:"code,omitempty"`
	Issues  []automation.FieldIssue `json:"issues,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func paginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

// statusFor 将服务层错误映射为 HTTP 状态码
func statusFor(err error) int {
	var verr *automation.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, automation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, automation.ErrRuleNotFound), errors.Is(err, automation.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrEngineUnavailable), errors.Is(err, automation.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 写出错误响应；5xx 记录日志
func respondError(c *gin.Context, logger *logrus.Logger, title string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: title, Message: err.Error(), Code: status}
	var verr *automation.ValidationError
	if errors.As(err, &verr) {
		resp.Issues = verr.Issues
	}
	if status >= http.StatusInternalServerError && logger != nil {
		logger.WithField("path", c.FullPath()).Errorf("%s: %v", title, err)
	}
	c.JSON(status, resp)
}

func parseUintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + name,
			Message: name + " must be a positive number",
			Code:    http.StatusBadRequest,
		})
		return 0, false
	}
	return uint(id), true
}

func parseUintQuery(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Query(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + name,
			Message: name + " query parameter must be a positive number",
			Code:    http.StatusBadRequest,
		})
		return 0, false
	}
	return uint(id), true
}
