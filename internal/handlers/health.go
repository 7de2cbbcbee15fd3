package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EngineStatus 自动化引擎运行状态，由 automation.Engine 实现
type EngineStatus interface {
	Running() bool
}

// HealthHandler 健康与就绪检查
type HealthHandler struct {
	config  *config.Config
	db      *gorm.DB
	engine  EngineStatus
	version string
	logger  *logrus.Logger
}

func NewHealthHandler(cfg *config.Config, db *gorm.DB, engine EngineStatus, version string) *HealthHandler {
	return &HealthHandler{config: cfg, db: db, engine: engine, version: version, logger: logrus.StandardLogger()}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 各组件状态；数据库不可用时为 unhealthy，引擎停止时为 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	db := h.checkDatabase(ctx)
	resp.Services["database"] = db
	engine := h.checkEngine()
	resp.Services["automation"] = engine

	switch {
	case db.Status != "healthy":
		resp.Status = "unhealthy"
	case engine.Status == "unhealthy":
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// Ready 数据库可达且引擎（若启用）在运行
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	services := map[string]string{"database": "ready", "automation": "ready"}
	ready := true
	if h.checkDatabase(ctx).Status != "healthy" {
		services["database"] = "not_ready"
		ready = false
	}
	switch h.checkEngine().Status {
	case "unhealthy":
		services["automation"] = "not_ready"
		ready = false
	case "disabled":
		services["automation"] = "disabled"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "timestamp": time.Now(), "services": services})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info := ServiceInfo{
		Status:  "healthy",
		Latency: time.Since(start).String(),
		Details: map[string]interface{}{"host": h.config.Database.Host, "port": h.config.Database.Port},
	}
	if err != nil {
		h.logger.Warnf("database health check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	return info
}

func (h *HealthHandler) checkEngine() ServiceInfo {
	if !h.config.Automation.Enabled {
		return ServiceInfo{Status: "disabled"}
	}
	if h.engine == nil || !h.engine.Running() {
		return ServiceInfo{Status: "unhealthy", Error: "automation engine is not running"}
	}
	return ServiceInfo{Status: "healthy", Details: map[string]interface{}{
		"tick_interval": h.config.Automation.TickInterval.String(),
		"workers":       h.config.Automation.Workers,
	}}
}
